package lntestutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/satsbox/satsbox/ln"
)

// MockNode is an in-memory Lightning backend. Invoices it creates are
// real, decodable BOLT11 strings signed with the mock's node key, so the
// payment engine's internal-payment detection works against it
// unchanged. Outbound payment behavior is scripted through the public
// fields.
type MockNode struct {
	mu  sync.Mutex
	t   *testing.T
	key *btcec.PrivateKey

	invoices map[string]*ln.Invoice
	payments map[string]*ln.Payment

	// PayStatus is the state Pay leaves an external payment in
	PayStatus ln.PaymentStatus
	// PayFeeMsat is the route fee charged on a successful payment
	PayFeeMsat int64
	// PayErr is returned from Pay (advisory, like the real thing)
	PayErr error
	// LookupErr, when set, is returned from LookupPayment
	LookupErr error
}

var _ ln.Node = (*MockNode)(nil)

// NewMockNode returns a mock with a fresh node identity that settles
// payments successfully by default
func NewMockNode(t *testing.T) *MockNode {
	t.Helper()
	return &MockNode{
		t:          t,
		key:        NewTestKey(t),
		invoices:   make(map[string]*ln.Invoice),
		payments:   make(map[string]*ln.Payment),
		PayStatus:  ln.PaymentSucceeded,
		PayFeeMsat: 50,
	}
}

// PubKey is the mock node identity, 33 bytes
func (m *MockNode) PubKey() []byte {
	return m.key.PubKey().SerializeCompressed()
}

// GetInfo implements ln.Node
func (m *MockNode) GetInfo(context.Context) (ln.Info, error) {
	return ln.Info{
		ID:          m.PubKey(),
		Alias:       "mock",
		Color:       "#000000",
		Version:     "mock",
		BlockHeight: 1,
	}, nil
}

// CreateInvoice implements ln.Node
func (m *MockNode) CreateInvoice(_ context.Context, memo string, amountMsat int64,
	preimage []byte, expirySeconds int64) (ln.Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if preimage == nil {
		preimage = RandomPreimage(m.t)
	}
	hash := sha256.Sum256(preimage)
	createdAt := time.Now()

	bolt11 := EncodeTestInvoice(m.t, m.key, preimage, amountMsat, memo,
		time.Duration(expirySeconds)*time.Second, createdAt)

	invoice := ln.Invoice{
		Bolt11:      bolt11,
		Payee:       m.PubKey(),
		PaymentHash: hash[:],
		Preimage:    preimage,
		Description: memo,
		AmountMsat:  amountMsat,
		CreatedAt:   createdAt.Unix(),
		Expiry:      expirySeconds,
		Status:      ln.InvoiceOpen,
	}
	m.invoices[hex.EncodeToString(hash[:])] = &invoice
	return invoice, nil
}

// LookupInvoice implements ln.Node
func (m *MockNode) LookupInvoice(_ context.Context, paymentHash []byte) (ln.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hex.EncodeToString(paymentHash)]
	if !ok {
		return ln.Invoice{}, ln.ErrInvoiceNotFound
	}
	return *invoice, nil
}

// ListInvoices implements ln.Node
func (m *MockNode) ListInvoices(_ context.Context, from, to int64) ([]ln.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var invoices []ln.Invoice
	for _, invoice := range m.invoices {
		if from != 0 && invoice.CreatedAt < from {
			continue
		}
		if to != 0 && invoice.CreatedAt > to {
			continue
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, nil
}

// Pay implements ln.Node: it records a payment in the scripted state
func (m *MockNode) Pay(_ context.Context, bolt11 string, maxFeeMsat int64) ([]byte, error) {
	decoded, err := ln.DecodeBolt11(bolt11)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := hex.EncodeToString(decoded.PaymentHash)
	payment := ln.Payment{
		Bolt11:      bolt11,
		PaymentHash: decoded.PaymentHash,
		AmountMsat:  decoded.AmountMsat,
		CreatedAt:   time.Now().Unix(),
		Status:      m.PayStatus,
	}
	if m.PayStatus == ln.PaymentSucceeded {
		fee := m.PayFeeMsat
		if fee > maxFeeMsat {
			fee = maxFeeMsat
		}
		payment.FeeMsat = fee
		payment.TotalMsat = decoded.AmountMsat + fee
		payment.Preimage = RandomPreimage(m.t)
		if invoice, ok := m.invoices[key]; ok {
			payment.Preimage = invoice.Preimage
		}
	}
	m.payments[key] = &payment
	return decoded.PaymentHash, m.PayErr
}

// LookupPayment implements ln.Node
func (m *MockNode) LookupPayment(_ context.Context, paymentHash []byte) (ln.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LookupErr != nil {
		return ln.Payment{}, m.LookupErr
	}
	payment, ok := m.payments[hex.EncodeToString(paymentHash)]
	if !ok {
		return ln.Payment{}, ln.ErrPaymentNotFound
	}
	return *payment, nil
}

// ListPayments implements ln.Node
func (m *MockNode) ListPayments(_ context.Context, from, to int64) ([]ln.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payments []ln.Payment
	for _, payment := range m.payments {
		if from != 0 && payment.CreatedAt < from {
			continue
		}
		if to != 0 && payment.CreatedAt > to {
			continue
		}
		payments = append(payments, *payment)
	}
	return payments, nil
}

// SettleInvoice marks a mock invoice paid, as if an external payer
// settled it over the network
func (m *MockNode) SettleInvoice(paymentHash []byte, paidAmountMsat, paidAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if invoice, ok := m.invoices[hex.EncodeToString(paymentHash)]; ok {
		invoice.Status = ln.InvoicePaid
		invoice.PaidAmountMsat = paidAmountMsat
		invoice.PaidAt = paidAt
	}
}

// CancelInvoice marks a mock invoice canceled upstream
func (m *MockNode) CancelInvoice(paymentHash []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if invoice, ok := m.invoices[hex.EncodeToString(paymentHash)]; ok {
		invoice.Status = ln.InvoiceCanceled
	}
}

// SetPayment overrides the recorded state of an outbound payment, for
// driving the reconciler
func (m *MockNode) SetPayment(payment ln.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[hex.EncodeToString(payment.PaymentHash)] = &payment
}
