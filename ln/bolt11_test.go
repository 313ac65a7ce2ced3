package ln_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/testutil"
	"github.com/satsbox/satsbox/testutil/lntestutil"
)

// a regtest invoice with known fields: 10 sat, no description, created
// 2023-07-22, one day expiry
const testBolt11 = "lnbcrt100n1pjthklwpp5fyw8vc9q2fu2rv2rxzy027jnmpm4mrgj0xwtrnxsk9208clg664qdqqcqzzsxqyz5vqsp5yu90phyrcn5vy60dltxtjukzqvcs3zgtzlucvxezjhwdaqt5xwgq9qyyssqeme2dv5kt6wxeqvgyl57hwzkr4rxn0pmlvxqfkxpwmvxhzhvma2n6nr06emj033r5k3xfd8phm46mlkdy0rrrqxpzm64qanhy3awyycpw4rz5g"

func TestDecodeBolt11(t *testing.T) {
	t.Parallel()

	decoded, err := ln.DecodeBolt11(testBolt11)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, int64(1690033134), decoded.CreatedAt)
	testutil.AssertEqual(t, int64(86400), decoded.Expiry)
	testutil.AssertEqual(t, int64(10000), decoded.AmountMsat)
	testutil.AssertEqual(t, "", decoded.Description)

	payee, _ := hex.DecodeString("02b6620f6c560f372d9ea229eb9bc65a60168a490e9805d4ee23ca2e5b3ff7d25b")
	testutil.AssertBytesEqual(t, payee, decoded.Payee)

	hash, _ := hex.DecodeString("491c7660a05278a1b1433088f57a53d8775d8d12799cb1ccd0b154f3e3e8d6aa")
	testutil.AssertBytesEqual(t, hash, decoded.PaymentHash)

	// created 2023, long expired by now
	testutil.AssertMsg(t, decoded.IsExpired(), "fixture invoice should be expired")
	testutil.AssertEqual(t, decoded.CreatedAt+decoded.Expiry, decoded.ExpiresAt())
}

func TestDecodeBolt11Invalid(t *testing.T) {
	t.Parallel()

	_, err := ln.DecodeBolt11("lnbcrt1notaninvoice")
	testutil.AssertErr(t, err)

	_, err = ln.DecodeBolt11("")
	testutil.AssertErr(t, err)
}

func TestDecodeEncodedInvoice(t *testing.T) {
	t.Parallel()

	key := lntestutil.NewTestKey(t)
	preimage := lntestutil.RandomPreimage(t)
	now := time.Now()

	bolt11 := lntestutil.EncodeTestInvoice(t, key, preimage, 2_000_000,
		"round trip", time.Hour, now)

	decoded, err := ln.DecodeBolt11(bolt11)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, int64(2_000_000), decoded.AmountMsat)
	testutil.AssertEqual(t, "round trip", decoded.Description)
	testutil.AssertEqual(t, int64(3600), decoded.Expiry)
	testutil.AssertEqual(t, now.Unix(), decoded.CreatedAt)
	testutil.AssertBytesEqual(t, key.PubKey().SerializeCompressed(), decoded.Payee)
	testutil.AssertMsg(t, !decoded.IsExpired(), "fresh invoice should not be expired")
}
