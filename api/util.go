package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// jsonPayload decodes a request body that already passed the nostr auth
// payload hash check. An empty body decodes to the zero value.
func jsonPayload(payload []byte, dest interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, dest)
}

// randomPassword draws an opaque 16 byte LNDHUB credential
func randomPassword() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "could not draw password")
	}
	return hex.EncodeToString(raw), nil
}
