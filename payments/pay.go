package payments

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/records"
	"github.com/satsbox/satsbox/models/users"
)

// Pay routes a payment from the user's balance. Payments to an invoice
// issued by our own node settle as a pure ledger move, everything else
// goes out through the node under a two-phase lock:
//
//	T1 commits the balance lock and the unpaid payment row, then the
//	node is asked to pay, then T2 (success) or T3 (failure) settles.
//
// When the outcome cannot be confirmed in bounded time the row stays
// unpaid with its lock in place and the reconciler finishes it; no other
// code path may touch the lock.
//
// With ignoreResult the call returns right after the node was asked to
// pay, leaving settlement entirely to the reconciler.
func (s *Service) Pay(ctx context.Context, user users.User, bolt11 string,
	fee FeePolicy, source string, ignoreResult bool) (invoices.Invoice, error) {

	decoded, err := ln.DecodeBolt11(bolt11)
	if err != nil {
		return invoices.Invoice{}, err
	}
	if decoded.IsExpired() {
		return invoices.Invoice{}, ErrExpired
	}

	info, err := s.node.GetInfo(ctx)
	if err != nil {
		return invoices.Invoice{}, err
	}
	if bytes.Equal(info.ID, decoded.Payee) {
		return s.internalPay(user, decoded, fee, source)
	}
	return s.externalPay(ctx, user, decoded, fee, source, ignoreResult)
}

func (s *Service) externalPay(ctx context.Context, user users.User, decoded ln.Bolt11,
	fee FeePolicy, source string, ignoreResult bool) (invoices.Invoice, error) {

	amount := decoded.AmountMsat
	maxFee, serviceFee := fee.Calc(amount, false)
	total := amount + maxFee + serviceFee
	if user.Balance < total {
		return invoices.Invoice{}, ErrInsufficientBalance
	}

	row := s.newPaymentRow(user, decoded, source)
	row.ServiceFeeMsat = serviceFee
	row.TotalMsat = total
	row.LockAmountMsat = total

	// T1: reserve the funds and claim the payment hash
	tx, err := s.db.Beginx()
	if err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not begin transaction")
	}
	if err := users.LockBalance(tx, user.ID, total); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, users.ErrBalanceTooLow) {
			return invoices.Invoice{}, ErrInsufficientBalance
		}
		return invoices.Invoice{}, err
	}
	row, err = invoices.Insert(tx, row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, invoices.ErrAlreadyExists) {
			return invoices.Invoice{}, ErrPaymentExists
		}
		return invoices.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not commit balance lock")
	}

	// the outcome of Pay is advisory only, LookupPayment is
	// authoritative
	_, payErr := s.node.Pay(ctx, decoded.Bolt11, maxFee)
	if payErr != nil {
		log.WithError(payErr).WithField("hash", decoded.PaymentHash).
			Info("node pay returned an error, confirming with lookup")
	}

	if ignoreResult {
		return row, nil
	}

	payment, err := s.node.LookupPayment(ctx, decoded.PaymentHash)
	switch {
	case errors.Is(err, ln.ErrPaymentNotFound):
		// the node never saw this payment, the funds go back
		if failErr := s.payFailed(row); failErr != nil {
			return row, failErr
		}
		if payErr != nil {
			return invoices.Invoice{}, payErr
		}
		return invoices.Invoice{}, errors.New("pay failed")
	case err != nil:
		// can't tell what happened, leave the lock for the reconciler
		return row, err
	}

	switch payment.Status {
	case ln.PaymentSucceeded:
		return s.paySuccess(payment, row)
	case ln.PaymentFailed:
		if failErr := s.payFailed(row); failErr != nil {
			return row, failErr
		}
		if payErr != nil {
			return invoices.Invoice{}, payErr
		}
		return invoices.Invoice{}, errors.New("pay failed")
	default:
		// in flight or unknown, the reconciler will settle it
		return row, ErrPaymentInProgress
	}
}

// paySuccess settles a locked payment row against the node's terminal
// payment data: the row is paid, the unspent part of the lock flows back
// to the balance and the spent part is recorded.
func (s *Service) paySuccess(payment ln.Payment, row invoices.Invoice) (invoices.Invoice, error) {
	lock := row.LockAmountMsat
	refund := lock - row.ServiceFeeMsat - payment.TotalMsat
	if refund < 0 {
		// the node spent more than the agreed cap, treat the whole lock
		// as consumed
		log.WithFields(logrus.Fields{
			"id":    row.ID,
			"lock":  lock,
			"total": payment.TotalMsat,
		}).Warn("payment consumed more than its lock")
		refund = 0
	}
	spent := lock - refund

	tx, err := s.db.Beginx()
	if err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	err = invoices.SettlePayment(tx, row.ID, lock, payment.Preimage,
		payment.AmountMsat, payment.AmountMsat, payment.FeeMsat, spent, payment.CreatedAt)
	if err != nil {
		if errors.Is(err, invoices.ErrUpdateLost) {
			// a concurrent settle won, hand back the current state
			return invoices.GetByID(s.db, row.ID)
		}
		return invoices.Invoice{}, err
	}
	if err := users.ReleaseLock(tx, row.UserID, lock, refund); err != nil {
		return invoices.Invoice{}, err
	}

	payer, err := users.GetByID(tx, row.UserID)
	if err != nil {
		return invoices.Invoice{}, err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     row.UserID,
		UserPubkey: row.UserPubkey,
		InvoiceID:  &row.ID,
		Balance:    payer.Balance,
		Change:     -spent,
		Source:     records.SourceExternalPayment,
	})
	if err != nil {
		return invoices.Invoice{}, err
	}

	if err := tx.Commit(); err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not commit payment settle")
	}

	return invoices.GetByID(s.db, row.ID)
}

// payFailed cancels a locked payment row and refunds the lock in full
func (s *Service) payFailed(row invoices.Invoice) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := invoices.CancelPayment(tx, row.ID, row.LockAmountMsat); err != nil {
		if errors.Is(err, invoices.ErrUpdateLost) {
			// someone else already settled the row
			return nil
		}
		return err
	}
	if err := users.ReleaseLock(tx, row.UserID, row.LockAmountMsat, row.LockAmountMsat); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "could not commit payment cancel")
}

// internalPay settles a payment whose payee invoice lives on this very
// server as one atomic ledger move, never touching the network
func (s *Service) internalPay(user users.User, decoded ln.Bolt11,
	fee FeePolicy, source string) (invoices.Invoice, error) {

	amount := decoded.AmountMsat
	feeMsat, serviceFee := fee.Calc(amount, true)
	total := amount + feeMsat + serviceFee
	if user.Balance < total {
		return invoices.Invoice{}, ErrInsufficientBalance
	}

	payeeInvoice, err := invoices.GetByHash(s.db, invoices.TypeInvoice, decoded.PaymentHash)
	if err != nil {
		if errors.Is(err, invoices.ErrNotFound) {
			return invoices.Invoice{}, ErrInvoiceClosed
		}
		return invoices.Invoice{}, err
	}
	if payeeInvoice.Status != invoices.StatusUnpaid {
		return invoices.Invoice{}, ErrInvoiceClosed
	}
	if payeeInvoice.UserID == user.ID && !s.SelfPayment {
		return invoices.Invoice{}, ErrSelfPayment
	}

	paidAt := now()

	row := s.newPaymentRow(user, decoded, source)
	row.Status = invoices.StatusPaid
	row.Preimage = payeeInvoice.Preimage
	row.Internal = true
	row.FeeMsat = feeMsat
	row.ServiceFeeMsat = serviceFee
	row.TotalMsat = total
	row.PaidAt = paidAt

	// T4: settle both sides in one transaction
	tx, err := s.db.Beginx()
	if err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	err = invoices.SettleReceive(tx, payeeInvoice.ID, amount, amount, paidAt, true)
	if err != nil {
		if errors.Is(err, invoices.ErrUpdateLost) {
			return invoices.Invoice{}, ErrAlreadyPaid
		}
		return invoices.Invoice{}, err
	}

	row, err = invoices.Insert(tx, row)
	if err != nil {
		if errors.Is(err, invoices.ErrAlreadyExists) {
			return invoices.Invoice{}, ErrPaymentExists
		}
		return invoices.Invoice{}, err
	}

	if err := users.DebitBalance(tx, user.ID, total); err != nil {
		if errors.Is(err, users.ErrBalanceTooLow) {
			return invoices.Invoice{}, ErrInsufficientBalance
		}
		return invoices.Invoice{}, err
	}
	if err := users.CreditBalance(tx, payeeInvoice.UserID, amount); err != nil {
		return invoices.Invoice{}, err
	}

	payer, err := users.GetByID(tx, user.ID)
	if err != nil {
		return invoices.Invoice{}, err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     user.ID,
		UserPubkey: user.Pubkey,
		InvoiceID:  &row.ID,
		Balance:    payer.Balance,
		Change:     -total,
		Source:     records.SourceInternalPayment,
	})
	if err != nil {
		return invoices.Invoice{}, err
	}

	payee, err := users.GetByID(tx, payeeInvoice.UserID)
	if err != nil {
		return invoices.Invoice{}, err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     payee.ID,
		UserPubkey: payee.Pubkey,
		InvoiceID:  &payeeInvoice.ID,
		Balance:    payee.Balance,
		Change:     amount,
		Source:     records.SourceInternalPayment,
	})
	if err != nil {
		return invoices.Invoice{}, err
	}

	payeeInvoice.AmountMsat = amount
	payeeInvoice.PaidAmountMsat = amount
	payeeInvoice.PaidAt = paidAt
	if _, err := s.donationHook(tx, payeeInvoice, user.Pubkey); err != nil {
		return invoices.Invoice{}, err
	}

	if err := tx.Commit(); err != nil {
		return invoices.Invoice{}, errors.Wrap(err, "could not commit internal payment")
	}

	return row, nil
}

func (s *Service) newPaymentRow(user users.User, decoded ln.Bolt11, source string) invoices.Invoice {
	return invoices.Invoice{
		UserID:      user.ID,
		UserPubkey:  user.Pubkey,
		Payee:       decoded.Payee,
		Type:        invoices.TypePayment,
		Status:      invoices.StatusUnpaid,
		PaymentHash: decoded.PaymentHash,
		Preimage:    []byte{},
		Bolt11:      decoded.Bolt11,
		Description: decoded.Description,
		GeneratedAt: decoded.CreatedAt,
		Expiry:      decoded.Expiry,
		ExpiredAt:   decoded.ExpiresAt(),
		AmountMsat:  decoded.AmountMsat,
		// placeholder until settlement
		PaidAmountMsat: decoded.AmountMsat,
		Source:         source,
		Service:        s.name,
	}
}
