package api

import (
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/testutil"
	"github.com/satsbox/satsbox/testutil/lntestutil"
)

// provisionLndhubUser creates an account with an LNDHUB credential
func provisionLndhubUser(t *testing.T, server *RestServer) (users.User, string) {
	t.Helper()

	user, err := users.GetOrCreate(server.db, lntestutil.RandomPreimage(t))
	testutil.AssertNoErr(t, err)

	password := "57ce52b1a7a9e8e7b6f0e1cfecb1ca22"
	user, err = users.UpdatePassword(server.db, user.ID, &password)
	testutil.AssertNoErr(t, err)

	return user, password
}

func bearer(t *testing.T, response map[string]interface{}) string {
	t.Helper()
	token, ok := response["access_token"].(string)
	testutil.AssertMsg(t, ok && token != "", "response must carry an access token")
	return "Bearer " + token
}

func TestLndhubAuthAndBalance(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	user, password := provisionLndhubUser(t, server)

	// wrong password
	_, response := performJSON(t, server, http.MethodPost, "/auth", "", map[string]string{
		"login":    hex.EncodeToString(user.Pubkey),
		"password": "wrong",
	})
	testutil.AssertEqual(t, float64(1), response["code"])

	// good login
	_, response = performJSON(t, server, http.MethodPost, "/auth", "", map[string]string{
		"login":    hex.EncodeToString(user.Pubkey),
		"password": password,
	})
	token := bearer(t, response)

	// refresh token flow issues fresh tokens
	refresh := response["refresh_token"].(string)
	_, refreshed := performJSON(t, server, http.MethodPost, "/auth", "", map[string]string{
		"refresh_token": refresh,
	})
	bearer(t, refreshed)

	// balance is reported in sats
	_, err := server.service.AdminAdjustBalance(user, 5_000_000, "test")
	testutil.AssertNoErr(t, err)

	_, response = performGet(t, server, "/balance", token)
	btc, ok := response["BTC"].(map[string]interface{})
	testutil.AssertMsg(t, ok, "balance must have a BTC section")
	testutil.AssertEqual(t, float64(5_000), btc["AvailableBalance"])
}

func TestLndhubRejectsMissingAuth(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	_, response := performGet(t, server, "/balance", "")
	testutil.AssertEqual(t, float64(1), response["code"])

	_, response = performGet(t, server, "/balance", "Bearer garbage")
	testutil.AssertEqual(t, float64(1), response["code"])
}

func TestLndhubAddInvoiceAndCheck(t *testing.T) {
	t.Parallel()
	server, _, _ := newTestServer(t)

	user, password := provisionLndhubUser(t, server)
	_, response := performJSON(t, server, http.MethodPost, "/auth", "", map[string]string{
		"login":    hex.EncodeToString(user.Pubkey),
		"password": password,
	})
	token := bearer(t, response)

	// amt arrives as a string, sats convert to msat
	_, response = performJSON(t, server, http.MethodPost, "/addinvoice", token, map[string]string{
		"amt":  "21",
		"memo": "lndhub test",
	})
	hash, ok := response["r_hash"].(string)
	testutil.AssertMsg(t, ok && len(hash) == 64, "r_hash must be a hex hash")
	testutil.AssertEqual(t, float64(21), response["amt"])
	payreq, ok := response["payment_request"].(string)
	testutil.AssertMsg(t, ok && payreq != "", "payment_request must be set")

	// shows up among the user invoices, unpaid
	recorder, _ := performGet(t, server, "/getuserinvoices", token)
	testutil.AssertEqual(t, http.StatusOK, recorder.Code)

	_, response = performGet(t, server, "/checkpayment/"+hash, token)
	testutil.AssertEqual(t, false, response["paid"])

	// zero amounts are rejected
	_, response = performJSON(t, server, http.MethodPost, "/addinvoice", token, map[string]string{
		"amt": "0",
	})
	testutil.AssertEqual(t, float64(8), response["code"])
}

func TestLndhubGetInfo(t *testing.T) {
	t.Parallel()
	server, _, node := newTestServer(t)

	_, response := performGet(t, server, "/getinfo", "")
	testutil.AssertEqual(t, hex.EncodeToString(node.PubKey()), response["identity_pubkey"])
	testutil.AssertEqual(t, "mock", response["alias"])
}
