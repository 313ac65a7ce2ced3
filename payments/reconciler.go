package payments

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/records"
	"github.com/satsbox/satsbox/models/users"
)

// Reconciler periodically cross-references the ledger with the node and
// applies the terminal transitions a crashed or timed-out request flow
// left behind. It is the only component allowed to settle a payment row
// without request context.
type Reconciler struct {
	service *Service
	// Tick is how often both sweeps run
	Tick time.Duration
	// InvoiceHorizon bounds how far back the invoice sweep looks
	InvoiceHorizon time.Duration
}

// NewReconciler returns a reconciler with the default cadence
func NewReconciler(service *Service) *Reconciler {
	return &Reconciler{
		service:        service,
		Tick:           5 * time.Second,
		InvoiceHorizon: 25 * time.Hour,
	}
}

// Run sweeps until the context is canceled, finishing the current
// iteration first. Transient errors are logged and retried next tick.
func (r *Reconciler) Run(ctx context.Context) {
	log.WithFields(logrus.Fields{
		"tick":    r.Tick,
		"horizon": r.InvoiceHorizon,
	}).Info("reconciler started")

	ticker := time.NewTicker(r.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-ticker.C:
			horizon := time.Now().Add(-r.InvoiceHorizon).Unix()
			if _, err := r.service.SyncInvoices(ctx, horizon); err != nil {
				log.WithError(err).Error("invoice sweep failed")
			}
			if err := r.service.SyncPayments(ctx); err != nil {
				log.WithError(err).Error("payment sweep failed")
			}
		}
	}
}

// SyncInvoices sweeps receive invoices generated after the horizon and
// applies what the node knows: settles paid ones, cancels canceled ones
// and detects invoices that were paid externally on top of an internal
// settlement. Returns how many rows were settled or credited.
func (s *Service) SyncInvoices(ctx context.Context, generatedAfter int64) (int, error) {
	locals, err := invoices.SweepableReceives(s.db, generatedAfter)
	if err != nil {
		return 0, err
	}
	if len(locals) == 0 {
		return 0, nil
	}

	// locals are ordered by generated_at, the first one bounds the node
	// sweep
	remotes, err := s.node.ListInvoices(ctx, locals[0].GeneratedAt, 0)
	if err != nil {
		return 0, err
	}
	byHash := make(map[string]ln.Invoice, len(remotes))
	for _, remote := range remotes {
		byHash[hex.EncodeToString(remote.PaymentHash)] = remote
	}

	count := 0
	for _, local := range locals {
		remote, ok := byHash[hex.EncodeToString(local.PaymentHash)]
		if !ok {
			continue
		}

		switch {
		case local.Status == invoices.StatusUnpaid && remote.Status == ln.InvoicePaid:
			if err := s.invoicePaid(local, remote); err != nil {
				log.WithError(err).WithField("id", local.ID).
					Error("could not settle swept invoice")
				continue
			}
			count++

		case local.Status == invoices.StatusUnpaid && remote.Status == ln.InvoiceCanceled:
			if err := invoices.CancelReceive(s.db, local.ID); err != nil &&
				!errors.Is(err, invoices.ErrUpdateLost) {
				log.WithError(err).WithField("id", local.ID).
					Error("could not cancel swept invoice")
			}

		case local.Status == invoices.StatusPaid && local.Internal && !local.Duplicate &&
			remote.Status == ln.InvoicePaid:
			// the invoice was settled internally, yet an external payer
			// also paid it over the network: the node holds surplus
			// funds that belong to the payee
			if err := s.invoiceDupPaid(local, remote); err != nil {
				log.WithError(err).WithField("id", local.ID).
					Error("could not credit duplicate settlement")
				continue
			}
			count++
		}
	}
	return count, nil
}

// invoicePaid settles a receive invoice the node reports as paid:
// transition the row, credit the user, leave an audit record and run the
// donation hook.
func (s *Service) invoicePaid(local invoices.Invoice, remote ln.Invoice) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	err = invoices.SettleReceive(tx, local.ID, local.AmountMsat,
		remote.PaidAmountMsat, remote.PaidAt, false)
	if err != nil {
		if errors.Is(err, invoices.ErrUpdateLost) {
			// settled concurrently
			return nil
		}
		return err
	}

	if err := users.CreditBalance(tx, local.UserID, remote.PaidAmountMsat); err != nil {
		return err
	}
	user, err := users.GetByID(tx, local.UserID)
	if err != nil {
		return err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     local.UserID,
		UserPubkey: local.UserPubkey,
		InvoiceID:  &local.ID,
		Balance:    user.Balance,
		Change:     remote.PaidAmountMsat,
		Source:     records.SourceExternalPayment,
	})
	if err != nil {
		return err
	}

	local.PaidAmountMsat = remote.PaidAmountMsat
	local.PaidAt = remote.PaidAt
	if _, err := s.donationHook(tx, local, nil); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "could not commit invoice settle")
}

// invoiceDupPaid credits the surplus of an external settlement that
// arrived on top of an internal one. Internal settlement cannot cancel
// the upstream invoice, so this is a legitimate, if rare, inflow. The
// duplicate flag makes it count exactly once.
func (s *Service) invoiceDupPaid(local invoices.Invoice, remote ln.Invoice) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := invoices.MarkDuplicate(tx, local.ID, remote.PaidAmountMsat); err != nil {
		if errors.Is(err, invoices.ErrUpdateLost) {
			// already credited
			return nil
		}
		return err
	}

	if err := users.CreditBalance(tx, local.UserID, remote.PaidAmountMsat); err != nil {
		return err
	}
	user, err := users.GetByID(tx, local.UserID)
	if err != nil {
		return err
	}
	_, err = records.Insert(tx, records.Record{
		UserID:     local.UserID,
		UserPubkey: local.UserPubkey,
		InvoiceID:  &local.ID,
		Balance:    user.Balance,
		Change:     remote.PaidAmountMsat,
		Source:     records.SourceDuplicatePayment,
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"id":   local.ID,
		"msat": remote.PaidAmountMsat,
	}).Warn("credited duplicate external settlement")

	return errors.Wrap(tx.Commit(), "could not commit duplicate credit")
}

// SyncPayments sweeps unpaid outbound payments and settles those the
// node reports as terminal. In-flight and unknown payments wait for the
// next tick.
func (s *Service) SyncPayments(ctx context.Context) error {
	rows, err := invoices.UnpaidPayments(s.db)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	remotes, err := s.node.ListPayments(ctx, rows[0].GeneratedAt, 0)
	if err != nil {
		return err
	}
	byHash := make(map[string]ln.Payment, len(remotes))
	for _, remote := range remotes {
		byHash[hex.EncodeToString(remote.PaymentHash)] = remote
	}

	for _, row := range rows {
		remote, ok := byHash[hex.EncodeToString(row.PaymentHash)]
		if !ok {
			continue
		}
		switch remote.Status {
		case ln.PaymentSucceeded:
			if _, err := s.paySuccess(remote, row); err != nil {
				log.WithError(err).WithField("id", row.ID).
					Error("could not settle swept payment")
			}
		case ln.PaymentFailed:
			if err := s.payFailed(row); err != nil {
				log.WithError(err).WithField("id", row.ID).
					Error("could not cancel swept payment")
			}
		}
	}
	return nil
}
