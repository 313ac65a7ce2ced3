package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/satsbox/satsbox/testutil"
)

func authHeader(t *testing.T, sk string, createdAt nostr.Timestamp, tags nostr.Tags) string {
	t.Helper()

	event := nostr.Event{
		CreatedAt: createdAt,
		Kind:      KindHTTPAuth,
		Tags:      tags,
	}
	if err := event.Sign(sk); err != nil {
		t.Fatalf("could not sign event: %v", err)
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("could not serialize event: %v", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(encoded)
}

func TestNostrAuthGet(t *testing.T) {
	t.Parallel()
	sk := nostr.GeneratePrivateKey()

	header := authHeader(t, sk, nostr.Now(), nostr.Tags{
		nostr.Tag{"u", "https://example.com/v1/my"},
		nostr.Tag{"method", "GET"},
	})

	authed, err := FromHeader(header, nil)
	testutil.AssertNoErr(t, err)

	pubkey, _ := nostr.GetPublicKey(sk)
	testutil.AssertEqual(t, pubkey, hex.EncodeToString(authed.Pubkey))

	testutil.AssertNoErr(t, authed.VerifyTime(MaxClockSkew))
	testutil.AssertNoErr(t, authed.VerifyHTTP("https://example.com/v1/my", "GET"))

	testutil.AssertErr(t, authed.VerifyHTTP("https://example.com/v1/other", "GET"))
	testutil.AssertErr(t, authed.VerifyHTTP("https://example.com/v1/my", "POST"))
}

func TestNostrAuthPost(t *testing.T) {
	t.Parallel()
	sk := nostr.GeneratePrivateKey()

	body := []byte(`{"disable":false}`)
	sum := sha256.Sum256(body)

	header := authHeader(t, sk, nostr.Now(), nostr.Tags{
		nostr.Tag{"u", "https://example.com/v1/reset_lndhub"},
		nostr.Tag{"method", "POST"},
		nostr.Tag{"payload", hex.EncodeToString(sum[:])},
	})

	authed, err := FromHeader(header, body)
	testutil.AssertNoErr(t, err)
	testutil.AssertNoErr(t, authed.VerifyHTTP("https://example.com/v1/reset_lndhub", "POST"))

	// tampered body no longer matches the committed hash
	tampered, err := FromHeader(header, []byte(`{"disable":true}`))
	testutil.AssertNoErr(t, err)
	testutil.AssertErr(t, tampered.VerifyHTTP("https://example.com/v1/reset_lndhub", "POST"))
}

func TestNostrAuthPostWithoutPayloadTag(t *testing.T) {
	t.Parallel()
	sk := nostr.GeneratePrivateKey()

	header := authHeader(t, sk, nostr.Now(), nostr.Tags{
		nostr.Tag{"u", "https://example.com/v1/pay_invoice"},
		nostr.Tag{"method", "POST"},
	})

	authed, err := FromHeader(header, []byte(`{}`))
	testutil.AssertNoErr(t, err)
	testutil.AssertErr(t, authed.VerifyHTTP("https://example.com/v1/pay_invoice", "POST"))
}

func TestNostrAuthStaleTimestamp(t *testing.T) {
	t.Parallel()
	sk := nostr.GeneratePrivateKey()

	stale := nostr.Timestamp(time.Now().Add(-10 * time.Minute).Unix())
	header := authHeader(t, sk, stale, nostr.Tags{
		nostr.Tag{"u", "https://example.com/v1/my"},
		nostr.Tag{"method", "GET"},
	})

	authed, err := FromHeader(header, nil)
	testutil.AssertNoErr(t, err)
	testutil.AssertErr(t, authed.VerifyTime(MaxClockSkew))
}

func TestNostrAuthRejectsBadEvents(t *testing.T) {
	t.Parallel()
	sk := nostr.GeneratePrivateKey()

	// wrong kind
	event := nostr.Event{CreatedAt: nostr.Now(), Kind: 1, Tags: nostr.Tags{
		nostr.Tag{"u", "https://example.com"},
		nostr.Tag{"method", "GET"},
	}}
	testutil.AssertNoErr(t, event.Sign(sk))
	encoded, _ := json.Marshal(event)
	_, err := FromHeader("Nostr "+base64.StdEncoding.EncodeToString(encoded), nil)
	testutil.AssertErr(t, err)

	// missing url tag
	header := authHeader(t, sk, nostr.Now(), nostr.Tags{nostr.Tag{"method", "GET"}})
	_, err = FromHeader(header, nil)
	testutil.AssertErr(t, err)

	// not a nostr header at all
	_, err = FromHeader("Bearer abc", nil)
	testutil.AssertErr(t, err)

	// broken base64
	_, err = FromHeader("Nostr !!!", nil)
	testutil.AssertErr(t, err)
}
