package nwc

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/testutil"
)

func testService(t *testing.T) (*Service, string) {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	store := config.NewStore(config.Settings{
		Nwc: config.Nwc{
			Relays:             []string{"wss://relay.example.com"},
			Privkey:            sk,
			RateLimitPerSecond: 10,
		},
	})

	service, err := New(nil, store)
	testutil.AssertNoErr(t, err)
	return service, sk
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, config.NewStore(config.Settings{}))
	testutil.AssertErr(t, err)
}

func TestInfoEvent(t *testing.T) {
	t.Parallel()
	service, _ := testService(t)

	event, err := service.infoEvent()
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, KindInfo, event.Kind)
	testutil.AssertEqual(t, Methods, event.Content)
	testutil.AssertEqual(t, service.Pubkey(), event.PubKey)

	valid, err := event.CheckSignature()
	testutil.AssertNoErr(t, err)
	testutil.AssertMsg(t, valid, "info event signature must verify")
}

func TestResponseEventRoundTrip(t *testing.T) {
	t.Parallel()
	service, _ := testService(t)

	// a client keypair talking to the service
	clientSK := nostr.GeneratePrivateKey()
	clientPK, _ := nostr.GetPublicKey(clientSK)

	request := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindRequest,
		Tags:      nostr.Tags{nostr.Tag{"p", service.Pubkey()}},
		Content:   "irrelevant",
	}
	testutil.AssertNoErr(t, request.Sign(clientSK))
	testutil.AssertEqual(t, clientPK, request.PubKey)

	payload := map[string]interface{}{
		"result_type": "get_balance",
		"result":      map[string]interface{}{"balance": float64(21)},
	}

	response, err := service.responseEvent(request, payload)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, KindResponse, response.Kind)
	testutil.AssertEqual(t, clientPK, response.Tags.GetFirst([]string{"p"}).Value())
	testutil.AssertEqual(t, request.ID, response.Tags.GetFirst([]string{"e"}).Value())

	valid, err := response.CheckSignature()
	testutil.AssertNoErr(t, err)
	testutil.AssertMsg(t, valid, "response signature must verify")

	// the client can decrypt it with its own key
	shared, err := nip04.ComputeSharedSecret(service.Pubkey(), clientSK)
	testutil.AssertNoErr(t, err)
	plain, err := nip04.Decrypt(response.Content, shared)
	testutil.AssertNoErr(t, err)

	var decoded map[string]interface{}
	testutil.AssertNoErr(t, json.Unmarshal([]byte(plain), &decoded))
	testutil.AssertEqual(t, "get_balance", decoded["result_type"])
	result := decoded["result"].(map[string]interface{})
	testutil.AssertEqual(t, float64(21), result["balance"])
}

func TestErrorResponseShape(t *testing.T) {
	t.Parallel()

	response := errorResponse("pay_invoice", "INSUFFICIENT_BALANCE", "the balance is insufficient")
	testutil.AssertEqual(t, "pay_invoice", response["result_type"])

	errObj := response["error"].(map[string]interface{})
	testutil.AssertEqual(t, "INSUFFICIENT_BALANCE", errObj["code"])
	testutil.AssertEqual(t, "the balance is insufficient", errObj["message"])
}
