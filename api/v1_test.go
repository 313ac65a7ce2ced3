package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/satsbox/satsbox/api/auth"
	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/testutil"
)

// signedRequest performs a request carrying a NIP-98 auth event bound to
// it
func signedRequest(t *testing.T, server *RestServer, sk, method, path string,
	body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {

	t.Helper()

	tags := nostr.Tags{
		nostr.Tag{"u", "http://" + testHost + path},
		nostr.Tag{"method", method},
	}
	if method == http.MethodPost {
		sum := sha256.Sum256(body)
		tags = append(tags, nostr.Tag{"payload", hex.EncodeToString(sum[:])})
	}

	event := nostr.Event{CreatedAt: nostr.Now(), Kind: auth.KindHTTPAuth, Tags: tags}
	testutil.AssertNoErr(t, event.Sign(sk))
	encoded, err := json.Marshal(event)
	testutil.AssertNoErr(t, err)

	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Host = testHost
	request.Header.Set("Authorization", "Nostr "+base64.StdEncoding.EncodeToString(encoded))

	recorder := httptest.NewRecorder()
	server.Router.ServeHTTP(recorder, request)

	var decoded map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		decoded = nil
	}
	return recorder, decoded
}

func TestV1RequiresAuth(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	recorder, _ := performGet(t, server, "/v1/my", "")
	testutil.AssertEqual(t, http.StatusUnauthorized, recorder.Code)

	recorder, _ = performGet(t, server, "/v1/my", "Nostr garbage")
	testutil.AssertEqual(t, http.StatusUnauthorized, recorder.Code)
}

func TestV1My(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	sk := nostr.GeneratePrivateKey()

	recorder, response := signedRequest(t, server, sk, http.MethodGet, "/v1/my", nil)
	testutil.AssertEqual(t, http.StatusOK, recorder.Code)

	user, ok := response["user"].(map[string]interface{})
	testutil.AssertMsg(t, ok, "response must carry a user")

	pubkey, _ := nostr.GetPublicKey(sk)
	testutil.AssertEqual(t, pubkey, user["pubkey"])
	// reads never provision an account
	testutil.AssertEqual(t, float64(0), user["balance"])
}

func TestV1ResetLndhub(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	sk := nostr.GeneratePrivateKey()
	pubkeyHex, _ := nostr.GetPublicKey(sk)
	pubkey, _ := hex.DecodeString(pubkeyHex)

	body, _ := json.Marshal(map[string]bool{"disable": false})
	recorder, response := signedRequest(t, server, sk, http.MethodPost, "/v1/reset_lndhub", body)
	testutil.AssertEqual(t, http.StatusOK, recorder.Code)

	lndhub, ok := response["lndhub"].(map[string]interface{})
	testutil.AssertMsg(t, ok, "response must carry lndhub credentials")
	password, ok := lndhub["password"].(string)
	testutil.AssertMsg(t, ok && len(password) == 32, "password must be 16 random bytes in hex")
	testutil.AssertEqual(t, pubkeyHex, lndhub["login"])

	stored, err := users.GetByPubkey(server.db, pubkey)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, password, *stored.Password)

	// disabling clears the credential
	body, _ = json.Marshal(map[string]bool{"disable": true})
	_, response = signedRequest(t, server, sk, http.MethodPost, "/v1/reset_lndhub", body)
	lndhub = response["lndhub"].(map[string]interface{})
	testutil.AssertEqual(t, nil, lndhub["password"])
}

func TestV1UpdateUsername(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	sk := nostr.GeneratePrivateKey()

	body, _ := json.Marshal(map[string]string{"username": "v1-user-test"})
	recorder, response := signedRequest(t, server, sk, http.MethodPost, "/v1/update_username", body)
	testutil.AssertEqual(t, http.StatusOK, recorder.Code)
	testutil.AssertEqual(t, true, response["success"])

	// invalid characters are rejected
	body, _ = json.Marshal(map[string]string{"username": "Bad Name"})
	recorder, _ = signedRequest(t, server, sk, http.MethodPost, "/v1/update_username", body)
	testutil.AssertEqual(t, http.StatusBadRequest, recorder.Code)
}

func TestV1WhitelistDenies(t *testing.T) {
	t.Parallel()
	database := testutil.OpenTestDB(t)

	settings := testSettings()
	settings.Auth.Whitelist = []string{"0000000000000000000000000000000000000000000000000000000000000001"}

	server := NewServer(database, nil, config.NewStore(settings))

	sk := nostr.GeneratePrivateKey()
	recorder, _ := signedRequest(t, server, sk, http.MethodGet, "/v1/my", nil)
	testutil.AssertEqual(t, http.StatusUnauthorized, recorder.Code)
}
