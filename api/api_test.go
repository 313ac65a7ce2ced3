package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/payments"
	"github.com/satsbox/satsbox/testutil"
	"github.com/satsbox/satsbox/testutil/lntestutil"
)

const testHost = "wallet.example.com"

func testSettings() config.Settings {
	return config.Settings{
		Site: "http://" + testHost,
		Fee: config.Fee{
			PayLimitPct:      1.0,
			SmallPayLimitPct: 2.0,
			InternalPct:      0.5,
			ServicePct:       0.3,
		},
		Auth: config.Auth{
			Secret:             "test-secret",
			RefreshTokenExpiry: 7 * 24 * 60 * 60,
			AccessTokenExpiry:  2 * 24 * 60 * 60,
		},
		Lnurl: config.Lnurl{
			MinSendable:    1_000,
			MaxSendable:    10_000_000_000,
			CommentAllowed: 64,
		},
	}
}

func newTestServer(t *testing.T) (*RestServer, *payments.Service, *lntestutil.MockNode) {
	t.Helper()
	database := testutil.OpenTestDB(t)
	node := lntestutil.NewMockNode(t)
	service := payments.NewService(database, node, "mock")
	server := NewServer(database, service, config.NewStore(testSettings()))
	return server, service, node
}

func performJSON(t *testing.T, server *RestServer, method, path, token string,
	body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {

	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		testutil.AssertNoErr(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Host = testHost
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", token)
	}

	recorder := httptest.NewRecorder()
	server.Router.ServeHTTP(recorder, request)

	var decoded map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		decoded = nil
	}
	return recorder, decoded
}

func performGet(t *testing.T, server *RestServer, path, token string) (
	*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	return performJSON(t, server, http.MethodGet, path, token, nil)
}
