package ln

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

const (
	lndDialTimeout = 5 * time.Second
	// lndTrackTimeout bounds how long LookupPayment waits on the payment
	// tracking stream before reporting the payment as still in flight
	lndTrackTimeout = 2 * time.Second
	// page size for list sweeps
	lndListPageSize = 1000
)

// LndNode implements Node over the lnd gRPC API
type LndNode struct {
	client lnrpc.LightningClient
	router routerrpc.RouterClient
}

var _ Node = (*LndNode)(nil)

// ConnectLnd opens a gRPC connection to lnd, authenticating every call
// with the admin macaroon
func ConnectLnd(url, tlsCertPath, macaroonPath string) (*LndNode, error) {
	tlsCreds, err := credentials.NewClientTLSFromFile(tlsCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("cannot get node tls credentials: %w", err)
	}

	macaroonBytes, err := ioutil.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read macaroon file: %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, fmt.Errorf("cannot unmarshal macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("cannot create macaroon credential: %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macCred),
	}

	withTimeout, cancel := context.WithTimeout(context.Background(), lndDialTimeout)
	defer cancel()

	log.WithFields(logrus.Fields{
		"url":          url,
		"certpath":     tlsCertPath,
		"macaroonpath": macaroonPath,
	}).Info("Connecting to lnd")

	conn, err := grpc.DialContext(withTimeout, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot dial to lnd: %w", err)
	}

	return &LndNode{
		client: lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}, nil
}

// GetInfo returns the node identity
func (l *LndNode) GetInfo(ctx context.Context) (Info, error) {
	info, err := l.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return Info{}, fmt.Errorf("could not get lnd info: %w", err)
	}
	id, err := hex.DecodeString(info.IdentityPubkey)
	if err != nil {
		return Info{}, fmt.Errorf("invalid lnd identity pubkey: %w", err)
	}
	return Info{
		ID:          id,
		Alias:       info.Alias,
		Color:       info.Color,
		Version:     info.Version,
		BlockHeight: info.BlockHeight,
	}, nil
}

// CreateInvoice adds an invoice and looks it up again to return the full
// invoice data
func (l *LndNode) CreateInvoice(ctx context.Context, memo string, amountMsat int64,
	preimage []byte, expirySeconds int64) (Invoice, error) {

	added, err := l.client.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		RPreimage: preimage,
		ValueMsat: amountMsat,
		Expiry:    expirySeconds,
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("could not add invoice: %w", err)
	}

	return l.LookupInvoice(ctx, added.RHash)
}

// LookupInvoice fetches a single invoice by payment hash
func (l *LndNode) LookupInvoice(ctx context.Context, paymentHash []byte) (Invoice, error) {
	invoice, err := l.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHash})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("could not lookup invoice: %w", err)
	}
	return lndInvoice(invoice), nil
}

// ListInvoices sweeps the node invoice database, returning invoices
// created in [from, to]
func (l *LndNode) ListInvoices(ctx context.Context, from, to int64) ([]Invoice, error) {
	var invoices []Invoice
	var offset uint64
	for {
		res, err := l.client.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
			IndexOffset:    offset,
			NumMaxInvoices: lndListPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("could not list invoices: %w", err)
		}
		for _, invoice := range res.Invoices {
			if from != 0 && invoice.CreationDate < from {
				continue
			}
			if to != 0 && invoice.CreationDate > to {
				continue
			}
			invoices = append(invoices, lndInvoice(invoice))
		}
		if len(res.Invoices) < lndListPageSize {
			return invoices, nil
		}
		offset = res.LastIndexOffset
	}
}

// Pay sends the payment with SendPaymentSync. Errors are advisory, the
// caller must confirm the outcome with LookupPayment.
func (l *LndNode) Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) ([]byte, error) {
	res, err := l.client.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: bolt11,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: maxFeeMsat},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("could not send payment: %w", err)
	}
	if res.PaymentError != "" {
		return res.PaymentHash, fmt.Errorf("payment failed: %s", res.PaymentError)
	}
	return res.PaymentHash, nil
}

// LookupPayment reads updates from the payment tracking stream until one
// carries a terminal state. When none arrives within lndTrackTimeout the
// payment is reported as in flight.
func (l *LndNode) LookupPayment(ctx context.Context, paymentHash []byte) (Payment, error) {
	withTimeout, cancel := context.WithTimeout(ctx, lndTrackTimeout)
	defer cancel()

	stream, err := l.router.TrackPaymentV2(withTimeout, &routerrpc.TrackPaymentRequest{
		PaymentHash: paymentHash,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("could not track payment: %w", err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			switch status.Code(err) {
			case codes.NotFound:
				return Payment{}, ErrPaymentNotFound
			case codes.DeadlineExceeded:
				return Payment{
					PaymentHash: paymentHash,
					Status:      PaymentInFlight,
				}, nil
			}
			return Payment{}, fmt.Errorf("payment stream error: %w", err)
		}
		payment, terminal := lndPayment(update)
		if terminal {
			return payment, nil
		}
		// non-terminal update, keep reading until the deadline hits
	}
}

// ListPayments sweeps the node payment database, including incomplete
// payments, returning payments created in [from, to]
func (l *LndNode) ListPayments(ctx context.Context, from, to int64) ([]Payment, error) {
	var payments []Payment
	var offset uint64
	for {
		res, err := l.client.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
			IncludeIncomplete: true,
			IndexOffset:       offset,
			MaxPayments:       lndListPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("could not list payments: %w", err)
		}
		for _, p := range res.Payments {
			if from != 0 && p.CreationDate < from {
				continue
			}
			if to != 0 && p.CreationDate > to {
				continue
			}
			payment, _ := lndPayment(p)
			payments = append(payments, payment)
		}
		if len(res.Payments) < lndListPageSize {
			return payments, nil
		}
		offset = res.LastIndexOffset
	}
}

func lndInvoice(invoice *lnrpc.Invoice) Invoice {
	out := Invoice{
		Bolt11:      invoice.PaymentRequest,
		PaymentHash: invoice.RHash,
		Preimage:    invoice.RPreimage,
		Description: invoice.Memo,
		AmountMsat:  invoice.ValueMsat,
		CreatedAt:   invoice.CreationDate,
		Expiry:      invoice.Expiry,
	}
	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		out.Status = InvoicePaid
		out.PaidAt = invoice.SettleDate
		out.PaidAmountMsat = invoice.AmtPaidMsat
	case lnrpc.Invoice_CANCELED:
		out.Status = InvoiceCanceled
	default:
		// OPEN and ACCEPTED are both unpaid from the ledger's view
		out.Status = InvoiceOpen
	}
	return out
}

func lndPayment(p *lnrpc.Payment) (Payment, bool) {
	hash, _ := hex.DecodeString(p.PaymentHash)
	preimage, _ := hex.DecodeString(p.PaymentPreimage)

	payment := Payment{
		Bolt11:      p.PaymentRequest,
		PaymentHash: hash,
		AmountMsat:  p.ValueMsat,
		FeeMsat:     p.FeeMsat,
		TotalMsat:   p.ValueMsat + p.FeeMsat,
		CreatedAt:   p.CreationDate,
	}

	terminal := false
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		payment.Status = PaymentSucceeded
		payment.Preimage = preimage
		terminal = true
	case lnrpc.Payment_FAILED:
		payment.Status = PaymentFailed
		terminal = true
	case lnrpc.Payment_IN_FLIGHT:
		payment.Status = PaymentInFlight
	default:
		payment.Status = PaymentUnknown
	}
	return payment, terminal
}
