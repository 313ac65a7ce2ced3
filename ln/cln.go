package ln

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	lightning "github.com/fiatjaf/lightningd-gjson-rpc"
	"github.com/tidwall/gjson"
)

// ClnNode implements Node over the Core Lightning JSON-RPC API
type ClnNode struct {
	client *lightning.Client
	// cached identity, CLN list responses don't carry the node id
	id []byte
}

var _ Node = (*ClnNode)(nil)

// ConnectCln connects to a Core Lightning node. url is the lightning-rpc
// socket path.
func ConnectCln(url string) (*ClnNode, error) {
	client := &lightning.Client{Path: url}

	info, err := client.Call("getinfo")
	if err != nil {
		return nil, fmt.Errorf("cannot reach cln: %w", err)
	}
	id, err := hex.DecodeString(info.Get("id").String())
	if err != nil {
		return nil, fmt.Errorf("invalid cln node id: %w", err)
	}

	log.WithField("alias", info.Get("alias").String()).Info("Connected to cln")

	return &ClnNode{client: client, id: id}, nil
}

// GetInfo returns the node identity
func (c *ClnNode) GetInfo(_ context.Context) (Info, error) {
	info, err := c.client.Call("getinfo")
	if err != nil {
		return Info{}, fmt.Errorf("could not get cln info: %w", err)
	}
	id, err := hex.DecodeString(info.Get("id").String())
	if err != nil {
		return Info{}, fmt.Errorf("invalid cln node id: %w", err)
	}
	return Info{
		ID:          id,
		Alias:       info.Get("alias").String(),
		Color:       info.Get("color").String(),
		Version:     info.Get("version").String(),
		BlockHeight: uint32(info.Get("blockheight").Int()),
	}, nil
}

// CreateInvoice registers an invoice with the given preimage
func (c *ClnNode) CreateInvoice(_ context.Context, memo string, amountMsat int64,
	preimage []byte, expirySeconds int64) (Invoice, error) {

	// labels must be unique per node, the payment hash qualifies once we
	// know the preimage; fall back to a description-derived label
	params := map[string]interface{}{
		"msatoshi":    amountMsat,
		"description": memo,
		"expiry":      expirySeconds,
	}
	if len(preimage) > 0 {
		params["preimage"] = hex.EncodeToString(preimage)
		params["label"] = "satsbox/" + hex.EncodeToString(sha256Sum(preimage))
	} else {
		params["label"] = fmt.Sprintf("satsbox/%s/%d", memo, amountMsat)
	}

	res, err := c.client.Call("invoice", params)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not create cln invoice: %w", err)
	}

	return c.invoiceFromBolt11(res.Get("bolt11").String(), gjson.Result{})
}

// LookupInvoice fetches a single invoice by payment hash
func (c *ClnNode) LookupInvoice(_ context.Context, paymentHash []byte) (Invoice, error) {
	res, err := c.client.Call("listinvoices", map[string]interface{}{
		"payment_hash": hex.EncodeToString(paymentHash),
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("could not list cln invoices: %w", err)
	}
	entries := res.Get("invoices").Array()
	if len(entries) == 0 {
		return Invoice{}, ErrInvoiceNotFound
	}
	return c.invoiceFromBolt11(entries[0].Get("bolt11").String(), entries[0])
}

// ListInvoices sweeps all invoices known to the node, filtered to
// creation in [from, to]
func (c *ClnNode) ListInvoices(_ context.Context, from, to int64) ([]Invoice, error) {
	res, err := c.client.Call("listinvoices")
	if err != nil {
		return nil, fmt.Errorf("could not list cln invoices: %w", err)
	}

	var invoices []Invoice
	for _, entry := range res.Get("invoices").Array() {
		invoice, err := c.invoiceFromBolt11(entry.Get("bolt11").String(), entry)
		if err != nil {
			log.WithError(err).Warn("skipping undecodable cln invoice")
			continue
		}
		if from != 0 && invoice.CreatedAt < from {
			continue
		}
		if to != 0 && invoice.CreatedAt > to {
			continue
		}
		invoices = append(invoices, invoice)
	}
	return invoices, nil
}

// Pay attempts to pay the invoice. CLN blocks until the payment reaches a
// terminal state, but the result here is advisory either way.
func (c *ClnNode) Pay(_ context.Context, bolt11 string, maxFeeMsat int64) ([]byte, error) {
	decoded, err := DecodeBolt11(bolt11)
	if err != nil {
		return nil, err
	}

	_, err = c.client.CallWithCustomTimeout(paymentTimeout, "pay", map[string]interface{}{
		"bolt11": bolt11,
		"maxfee": maxFeeMsat,
	})
	if err != nil {
		return decoded.PaymentHash, fmt.Errorf("cln pay: %w", err)
	}
	return decoded.PaymentHash, nil
}

// LookupPayment reads the payment state from listpays
func (c *ClnNode) LookupPayment(_ context.Context, paymentHash []byte) (Payment, error) {
	res, err := c.client.Call("listpays", map[string]interface{}{
		"payment_hash": hex.EncodeToString(paymentHash),
	})
	if err != nil {
		return Payment{}, fmt.Errorf("could not list cln pays: %w", err)
	}
	entries := res.Get("pays").Array()
	if len(entries) == 0 {
		return Payment{}, ErrPaymentNotFound
	}
	return clnPayment(entries[0]), nil
}

// ListPayments sweeps all payments known to the node, filtered to
// creation in [from, to]
func (c *ClnNode) ListPayments(_ context.Context, from, to int64) ([]Payment, error) {
	res, err := c.client.Call("listpays")
	if err != nil {
		return nil, fmt.Errorf("could not list cln pays: %w", err)
	}

	var payments []Payment
	for _, entry := range res.Get("pays").Array() {
		payment := clnPayment(entry)
		if from != 0 && payment.CreatedAt < from {
			continue
		}
		if to != 0 && payment.CreatedAt > to {
			continue
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// invoiceFromBolt11 builds an Invoice from the decoded payment request
// plus the status fields of a listinvoices entry. CLN does not report
// invoice creation time, the bolt11 timestamp serves instead.
func (c *ClnNode) invoiceFromBolt11(bolt11 string, entry gjson.Result) (Invoice, error) {
	decoded, err := DecodeBolt11(bolt11)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		Bolt11:      bolt11,
		Payee:       c.id,
		PaymentHash: decoded.PaymentHash,
		Description: decoded.Description,
		AmountMsat:  decoded.AmountMsat,
		CreatedAt:   decoded.CreatedAt,
		Expiry:      decoded.Expiry,
	}

	switch entry.Get("status").String() {
	case "paid":
		invoice.Status = InvoicePaid
		invoice.PaidAt = entry.Get("paid_at").Int()
		invoice.PaidAmountMsat = clnMsat(entry.Get("amount_received_msat"))
	case "expired":
		invoice.Status = InvoiceCanceled
	default:
		invoice.Status = InvoiceOpen
	}
	return invoice, nil
}

func clnPayment(entry gjson.Result) Payment {
	hash, _ := hex.DecodeString(entry.Get("payment_hash").String())
	preimage, _ := hex.DecodeString(entry.Get("preimage").String())

	amount := clnMsat(entry.Get("amount_msat"))
	sent := clnMsat(entry.Get("amount_sent_msat"))

	payment := Payment{
		Bolt11:      entry.Get("bolt11").String(),
		PaymentHash: hash,
		Preimage:    preimage,
		AmountMsat:  amount,
		FeeMsat:     sent - amount,
		TotalMsat:   sent,
		CreatedAt:   entry.Get("created_at").Int(),
	}

	switch entry.Get("status").String() {
	case "complete":
		payment.Status = PaymentSucceeded
	case "failed":
		payment.Status = PaymentFailed
	case "pending":
		payment.Status = PaymentInFlight
	default:
		payment.Status = PaymentUnknown
	}
	return payment
}

// clnMsat parses both the numeric and the legacy "123msat" amount
// encodings
func clnMsat(value gjson.Result) int64 {
	if value.Type == gjson.Number {
		return value.Int()
	}
	s := strings.TrimSuffix(value.String(), "msat")
	msat, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return msat
}
