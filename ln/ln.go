// Package ln abstracts the upstream Lightning node behind the Node
// interface. Two backends are provided: lnd (gRPC with macaroon auth) and
// Core Lightning (JSON-RPC). The rest of the application only depends on
// Node and the types in this file.
package ln

import (
	"context"
	"errors"

	"github.com/satsbox/satsbox/build"
)

var log = build.AddSubLogger("LN")

// Exported errors. Drivers translate backend specific failures into these
// so callers can distinguish "the node does not know this payment" from
// transport trouble.
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

const (
	// MaxAmountMsatPerInvoice is the maximum amount of millisatoshis an
	// invoice can be for
	MaxAmountMsatPerInvoice = 4294967295
	// MaxMemoLength is the longest memo we pass to the node
	MaxMemoLength = 640
)

// Info is the identity of the upstream node
type Info struct {
	// ID is the 33 byte node pubkey
	ID          []byte
	Alias       string
	Color       string
	Version     string
	BlockHeight uint32
}

// InvoiceStatus is the state of an invoice as reported by the node
type InvoiceStatus uint8

const (
	InvoiceOpen InvoiceStatus = iota
	InvoicePaid
	InvoiceCanceled
)

// Invoice is a receive invoice as reported by the node
type Invoice struct {
	Bolt11      string
	Payee       []byte
	PaymentHash []byte
	Preimage    []byte
	Description string
	// AmountMsat is the invoiced amount
	AmountMsat int64
	// CreatedAt and Expiry are unix seconds / seconds
	CreatedAt int64
	Expiry    int64
	Status    InvoiceStatus
	// PaidAt and PaidAmountMsat are only meaningful when Status is
	// InvoicePaid. PaidAmountMsat can exceed AmountMsat since payers may
	// overpay.
	PaidAt         int64
	PaidAmountMsat int64
}

// PaymentStatus is the state of an outgoing payment as reported by the
// node. The data is unreliable until the payment reaches a terminal state.
type PaymentStatus uint8

const (
	PaymentUnknown PaymentStatus = iota
	PaymentInFlight
	PaymentSucceeded
	PaymentFailed
)

// Payment is an outgoing payment as reported by the node
type Payment struct {
	Bolt11      string
	PaymentHash []byte
	Preimage    []byte
	// AmountMsat is the amount delivered to the destination, FeeMsat the
	// route fee, TotalMsat their sum
	AmountMsat int64
	FeeMsat    int64
	TotalMsat  int64
	CreatedAt  int64
	Status     PaymentStatus
}

// Node is the capability the ledger core needs from a Lightning backend.
//
// Pay may return before the payment settles, and its error is advisory
// only: the authoritative outcome always comes from LookupPayment.
type Node interface {
	GetInfo(ctx context.Context) (Info, error)

	// CreateInvoice registers an invoice with the node. When preimage is
	// non-nil the node must use it, so the returned payment hash equals
	// sha256(preimage).
	CreateInvoice(ctx context.Context, memo string, amountMsat int64,
		preimage []byte, expirySeconds int64) (Invoice, error)

	LookupInvoice(ctx context.Context, paymentHash []byte) (Invoice, error)

	// ListInvoices returns invoices created in [from, to] unix seconds.
	// Zero means unbounded.
	ListInvoices(ctx context.Context, from, to int64) ([]Invoice, error)

	// Pay attempts to pay the invoice, capping the route fee at
	// maxFeeMsat, and returns the payment hash.
	Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) ([]byte, error)

	LookupPayment(ctx context.Context, paymentHash []byte) (Payment, error)

	// ListPayments returns payments created in [from, to] unix seconds.
	// Zero means unbounded.
	ListPayments(ctx context.Context, from, to int64) ([]Payment, error)
}
