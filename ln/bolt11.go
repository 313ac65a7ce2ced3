package ln

import (
	"encoding/hex"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/pkg/errors"
)

// Bolt11 is the subset of a decoded payment request the payment engine
// needs for its pre-checks.
type Bolt11 struct {
	Bolt11      string
	Payee       []byte
	PaymentHash []byte
	Description string
	// AmountMsat is the invoiced amount. Zero-amount invoices are not
	// supported by the ledger and rejected here.
	AmountMsat int64
	// CreatedAt unix seconds, Expiry seconds
	CreatedAt int64
	Expiry    int64
}

// ExpiresAt returns the absolute expiry time, unix seconds
func (b Bolt11) ExpiresAt() int64 {
	return b.CreatedAt + b.Expiry
}

// IsExpired reports whether the payment request is past its expiry
func (b Bolt11) IsExpired() bool {
	return time.Now().Unix() >= b.ExpiresAt()
}

// DecodeBolt11 parses a payment request. No signature checking beyond
// what the bech32 checksum and the embedded signature recovery give us.
func DecodeBolt11(bolt11 string) (Bolt11, error) {
	decoded, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return Bolt11{}, errors.Wrap(err, "could not decode payment request")
	}

	payee, err := hex.DecodeString(decoded.Payee)
	if err != nil {
		return Bolt11{}, errors.Wrap(err, "invalid payee pubkey")
	}
	hash, err := hex.DecodeString(decoded.PaymentHash)
	if err != nil {
		return Bolt11{}, errors.Wrap(err, "invalid payment hash")
	}
	if decoded.MSatoshi <= 0 {
		return Bolt11{}, errors.New("zero amount payment requests are not supported")
	}

	return Bolt11{
		Bolt11:      bolt11,
		Payee:       payee,
		PaymentHash: hash,
		Description: decoded.Description,
		AmountMsat:  decoded.MSatoshi,
		CreatedAt:   int64(decoded.CreatedAt),
		Expiry:      int64(decoded.Expiry),
	}, nil
}
