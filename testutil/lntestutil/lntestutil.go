// Package lntestutil provides an in-memory ln.Node implementation backed
// by real BOLT11 encoding, so everything downstream of the node boundary
// can be exercised without a Lightning daemon.
package lntestutil

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// testNetParams is the network test invoices are encoded for
var testNetParams = &chaincfg.RegressionNetParams

// NewTestKey draws a fresh node key
func NewTestKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("could not generate key: %v", err)
	}
	return key
}

// RandomPreimage draws 32 random bytes
func RandomPreimage(t *testing.T) []byte {
	t.Helper()
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		t.Fatalf("could not draw preimage: %v", err)
	}
	return preimage
}

// EncodeTestInvoice builds a signed BOLT11 payment request for the given
// preimage, payable to the node identified by key
func EncodeTestInvoice(t *testing.T, key *btcec.PrivateKey, preimage []byte,
	amountMsat int64, memo string, expiry time.Duration, timestamp time.Time) string {

	t.Helper()

	hash := sha256.Sum256(preimage)

	features := lnwire.EmptyFeatureVector()
	features.RawFeatureVector.Set(lnwire.TLVOnionPayloadOptional)
	features.RawFeatureVector.Set(lnwire.PaymentAddrOptional)

	var paymentAddr [32]byte
	if _, err := rand.Read(paymentAddr[:]); err != nil {
		t.Fatalf("could not draw payment addr: %v", err)
	}

	invoice, err := zpay32.NewInvoice(
		testNetParams, hash, timestamp,
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.Description(memo),
		zpay32.Expiry(expiry),
		zpay32.PaymentAddr(paymentAddr),
		zpay32.Features(features),
	)
	if err != nil {
		t.Fatalf("could not build invoice: %v", err)
	}

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			// ecdsa.SignCompact returns a pubkey-recoverable signature
			return ecdsa.SignCompact(key, hash, true)
		},
	})
	if err != nil {
		t.Fatalf("could not encode invoice: %v", err)
	}
	return encoded
}
