// Package payments is the payment ledger core: it mints receive invoices,
// moves user balances through the two-phase lock and settle flow for
// outbound payments, short-circuits payments between two local users, and
// reconciles the ledger against the upstream node.
package payments

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/build"
	"github.com/satsbox/satsbox/db"
	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/records"
	"github.com/satsbox/satsbox/models/users"
)

var log = build.AddSubLogger("PAY")

// Exported errors
var (
	ErrInsufficientBalance = errors.New("the balance is insufficient")
	// ErrPaymentInProgress means the node has not confirmed the payment
	// within the bounded lookup. The funds stay locked and the
	// reconciler finishes the payment, callers should re-query instead
	// of retrying.
	ErrPaymentInProgress = errors.New("payment in progress")
	ErrExpired           = errors.New("the invoice is expired")
	ErrSelfPayment       = errors.New("cannot pay own invoice")
	// ErrInvoiceClosed means the payee invoice is gone or no longer
	// payable
	ErrInvoiceClosed = errors.New("the invoice is closed")
	// ErrAlreadyPaid means a concurrent settle won the payee invoice
	ErrAlreadyPaid = errors.New("the invoice has already been paid")
	// ErrPaymentExists is the idempotency guard: one outbound payment
	// per payment hash
	ErrPaymentExists  = errors.New("payment already exists")
	ErrBadPaymentHash = errors.New("invalid payment hash")
)

// FeePolicy computes (fee, serviceFee) msat for a payment amount.
// Satisfied by config.Fee.
type FeePolicy interface {
	Calc(msat int64, internal bool) (int64, int64)
}

// Service owns every mutation of the ledger
type Service struct {
	db   *db.DB
	node ln.Node
	// name is the backend identifier stamped on invoice rows
	name string

	// SelfPayment allows a user to pay their own invoice, burning the
	// fees
	SelfPayment bool
	// DonationPubkey, when set, marks the account whose settled receive
	// invoices are recorded as donations
	DonationPubkey []byte
}

// NewService wires the ledger core
func NewService(d *db.DB, node ln.Node, name string) *Service {
	return &Service{db: d, node: node, name: name}
}

// DB exposes the underlying store, mainly for the HTTP layer's reads
func (s *Service) DB() *db.DB {
	return s.db
}

// Node exposes the Lightning backend
func (s *Service) Node() ln.Node {
	return s.node
}

// Name returns the backend identifier
func (s *Service) Name() string {
	return s.name
}

// RandomPreimage returns 32 bytes from a CSPRNG
func RandomPreimage() ([]byte, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, errors.Wrap(err, "could not draw preimage")
	}
	return preimage, nil
}

// InvoiceExtra is request provenance attached to a minted invoice
type InvoiceExtra struct {
	Source     string
	Comment    *string
	PayerName  *string
	PayerEmail *string
	// PayerPubkey is the payer-supplied nostr identity (LUD-18)
	PayerPubkey []byte

	// Zap request data (NIP-57). When Zap is set the invoice memo is the
	// serialized zap request event.
	Zap       bool
	ZapFrom   string
	ZapPubkey string
	ZapEvent  string
}

// CreateInvoice mints a receive invoice for the user: we draw the
// preimage ourselves, hand it to the node and persist the resulting
// invoice row. Knowing the preimage is what makes internal settlement
// possible later.
func (s *Service) CreateInvoice(ctx context.Context, user users.User, memo string,
	amountMsat int64, expirySeconds int64, extra InvoiceExtra) (invoices.Invoice, error) {

	preimage, err := RandomPreimage()
	if err != nil {
		return invoices.Invoice{}, err
	}
	hash := sha256.Sum256(preimage)

	nodeInvoice, err := s.node.CreateInvoice(ctx, memo, amountMsat, preimage, expirySeconds)
	if err != nil {
		return invoices.Invoice{}, err
	}
	if !bytes.Equal(nodeInvoice.PaymentHash, hash[:]) {
		return invoices.Invoice{}, ErrBadPaymentHash
	}

	row := invoices.Invoice{
		UserID:      user.ID,
		UserPubkey:  user.Pubkey,
		Payee:       nodeInvoice.Payee,
		Type:        invoices.TypeInvoice,
		Status:      invoices.StatusUnpaid,
		PaymentHash: nodeInvoice.PaymentHash,
		Preimage:    preimage,
		Bolt11:      nodeInvoice.Bolt11,
		Description: nodeInvoice.Description,
		GeneratedAt: nodeInvoice.CreatedAt,
		Expiry:      nodeInvoice.Expiry,
		ExpiredAt:   nodeInvoice.CreatedAt + nodeInvoice.Expiry,
		AmountMsat:  nodeInvoice.AmountMsat,
		// placeholders until settlement
		PaidAmountMsat: nodeInvoice.AmountMsat,
		TotalMsat:      nodeInvoice.AmountMsat,

		Source:      extra.Source,
		Service:     s.name,
		Comment:     extra.Comment,
		PayerName:   extra.PayerName,
		PayerEmail:  extra.PayerEmail,
		PayerPubkey: extra.PayerPubkey,
		Zap:         extra.Zap,
		ZapFrom:     extra.ZapFrom,
		ZapPubkey:   extra.ZapPubkey,
		ZapEvent:    extra.ZapEvent,
	}

	inserted, err := invoices.Insert(s.db, row)
	if err != nil {
		return invoices.Invoice{}, err
	}

	log.WithField("hash", nodeInvoice.PaymentHash).
		WithField("msat", amountMsat).Debug("minted invoice")

	return inserted, nil
}

// AdminAdjustBalance sets a user's balance to an absolute value and
// leaves an audit record
func (s *Service) AdminAdjustBalance(user users.User, balanceMsat int64, note string) (users.User, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return users.User{}, errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := users.SetBalance(tx, user.ID, balanceMsat); err != nil {
		return users.User{}, err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     user.ID,
		UserPubkey: user.Pubkey,
		Balance:    balanceMsat,
		Change:     balanceMsat - user.Balance,
		Source:     records.SourceAdmin,
		Note:       note,
	})
	if err != nil {
		return users.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return users.User{}, errors.Wrap(err, "could not commit balance adjustment")
	}

	return users.GetByID(s.db, user.ID)
}

func now() int64 {
	return time.Now().Unix()
}
