package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

// KindHTTPAuth is the NIP-98 HTTP auth event kind
const KindHTTPAuth = 27235

// MaxClockSkew is how far an auth event timestamp may drift from now
const MaxClockSkew = 60 * time.Second

// ErrInvalidEvent covers every way a nostr auth event can be unusable
var ErrInvalidEvent = errors.New("invalid nostr auth event")

// NostrAuth is a verified HTTP auth event
type NostrAuth struct {
	// Pubkey is the 32 byte key that signed the event
	Pubkey []byte
	// URL and Method the event vouches for
	URL    string
	Method string
	// PayloadSHA is the sha256 the event claims for the request body,
	// nil when absent
	PayloadSHA []byte
	CreatedAt  int64
	// Payload is the actual request body
	Payload []byte
}

// FromHeader parses an "Authorization: Nostr <base64 event>" header and
// checks the event signature. HTTP binding checks are separate, callers
// run VerifyTime and VerifyHTTP afterwards.
func FromHeader(header string, payload []byte) (NostrAuth, error) {
	if len(header) < 6 || !strings.EqualFold(header[:5], "nostr") {
		return NostrAuth{}, ErrInvalidEvent
	}
	token := strings.TrimSpace(header[5:])

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return NostrAuth{}, ErrInvalidEvent
	}

	var event nostr.Event
	if err := event.UnmarshalJSON(raw); err != nil {
		return NostrAuth{}, ErrInvalidEvent
	}
	if event.Kind != KindHTTPAuth {
		return NostrAuth{}, errors.Wrap(ErrInvalidEvent, "wrong kind")
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return NostrAuth{}, errors.Wrap(ErrInvalidEvent, "bad signature")
	}

	auth := NostrAuth{
		CreatedAt: int64(event.CreatedAt),
		Payload:   payload,
	}

	auth.Pubkey, err = hex.DecodeString(event.PubKey)
	if err != nil {
		return NostrAuth{}, ErrInvalidEvent
	}

	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "u":
			auth.URL = tag[1]
		case "method":
			auth.Method = tag[1]
		case "payload":
			sha, err := hex.DecodeString(tag[1])
			if err != nil {
				return NostrAuth{}, errors.Wrap(ErrInvalidEvent, "bad payload tag")
			}
			auth.PayloadSHA = sha
		}
	}
	if auth.URL == "" {
		return NostrAuth{}, errors.Wrap(ErrInvalidEvent, "missing url")
	}
	if auth.Method == "" {
		return NostrAuth{}, errors.Wrap(ErrInvalidEvent, "missing method")
	}

	return auth, nil
}

// VerifyTime rejects events outside the allowed clock skew
func (a NostrAuth) VerifyTime(skew time.Duration) error {
	diff := time.Now().Unix() - a.CreatedAt
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(skew.Seconds()) {
		return errors.Wrap(ErrInvalidEvent, "timestamp out of range")
	}
	return nil
}

// VerifyHTTP binds the event to the request: url, method and, for
// body-carrying methods, the payload hash
func (a NostrAuth) VerifyHTTP(url, method string) error {
	if a.URL != url {
		return errors.Wrap(ErrInvalidEvent, "url mismatch")
	}
	if a.Method != method {
		return errors.Wrap(ErrInvalidEvent, "method mismatch")
	}

	if method == "POST" || method == "PUT" || method == "PATCH" {
		if a.PayloadSHA == nil {
			return errors.Wrap(ErrInvalidEvent, "missing payload hash")
		}
		sum := sha256.Sum256(a.Payload)
		if !hmac.Equal(sum[:], a.PayloadSHA) {
			return errors.Wrap(ErrInvalidEvent, "payload mismatch")
		}
	}
	return nil
}
