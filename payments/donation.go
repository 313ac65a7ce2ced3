package payments

import (
	"bytes"
	"encoding/hex"

	"github.com/jmoiron/sqlx"

	"github.com/satsbox/satsbox/models/donations"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/users"
)

// donationHook runs inside the settlement transaction of a receive
// invoice. When the payee is the configured donation account it records
// the donation and bumps the donor's cumulative donate_amount.
//
// The donor is derived from, in order: the LUD-18 payer pubkey on the
// invoice, the zap sender, and (for internal payments) the payer's own
// account key. When no donor account can be identified the hook reports
// false without touching the transaction — an anonymous donation must
// never abort a settlement.
func (s *Service) donationHook(tx *sqlx.Tx, invoice invoices.Invoice,
	payerPubkey []byte) (bool, error) {

	if len(s.DonationPubkey) == 0 || !bytes.Equal(invoice.UserPubkey, s.DonationPubkey) {
		return false, nil
	}

	donorPubkey := invoice.PayerPubkey
	if len(donorPubkey) == 0 && invoice.ZapFrom != "" {
		if decoded, err := hex.DecodeString(invoice.ZapFrom); err == nil {
			donorPubkey = decoded
		}
	}
	if len(donorPubkey) == 0 {
		donorPubkey = payerPubkey
	}
	if len(donorPubkey) == 0 {
		return false, nil
	}

	donor, err := users.GetByPubkey(tx, donorPubkey)
	if err != nil {
		if err == users.ErrUserNotFound {
			return false, nil
		}
		return false, err
	}

	message := ""
	if invoice.Comment != nil {
		message = *invoice.Comment
	}
	inserted, err := donations.Insert(tx, donations.Donation{
		UserID:    donor.ID,
		InvoiceID: invoice.ID,
		Amount:    invoice.PaidAmountMsat,
		Message:   message,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		// this invoice already counted
		return false, nil
	}

	if err := users.AddDonateAmount(tx, donor.ID, invoice.PaidAmountMsat); err != nil {
		return false, err
	}

	log.WithField("donor", donor.ID).
		WithField("msat", invoice.PaidAmountMsat).Info("recorded donation")

	return true, nil
}
