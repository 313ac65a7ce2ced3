// Package invoices stores both directions of Lightning activity in one
// table: receive invoices we issued (Type=Invoice) and outbound payments
// we made on a user's behalf (Type=Payment).
package invoices

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/db"
)

// Type discriminates the direction of a row
type Type int16

const (
	// TypeInvoice is a receive invoice issued by us
	TypeInvoice Type = 0
	// TypePayment is an outbound payment
	TypePayment Type = 1
)

// Status is the settlement state of a row
type Status int16

const (
	StatusUnpaid   Status = 0
	StatusPaid     Status = 1
	StatusCanceled Status = 2
)

// Zap receipt publication states
const (
	ZapPending   int16 = 0
	ZapPublished int16 = 1
)

// Request provenance
const (
	SourceApi      = "api"
	SourceLndhub   = "lndhub"
	SourceLnurlp   = "lnurlp"
	SourceZap      = "zap"
	SourceNwc      = "nwc"
	SourceDonation = "donation"
	SourceTest     = "test"
)

// Exported errors
var (
	ErrNotFound = errors.New("invoice not found")
	// ErrAlreadyExists fires on the (type, payment_hash) unique index and
	// doubles as the idempotency guard against paying the same request
	// twice
	ErrAlreadyExists = errors.New("invoice already exists")
	// ErrUpdateLost means a guarded transition matched no row, i.e. a
	// concurrent writer got there first
	ErrUpdateLost = errors.New("invoice update affected no rows")
)

const uniqueTypeHashConstraint = "invoices_type_payment_hash_key"

// Invoice is a database table
type Invoice struct {
	ID     int64 `db:"id"`
	UserID int64 `db:"user_id"`
	// UserPubkey is denormalized from users to keep audit rows
	// self-contained
	UserPubkey []byte `db:"user_pubkey"`

	// Payee is the 33 byte node id of the destination
	Payee []byte `db:"payee"`

	Type   Type   `db:"type"`
	Status Status `db:"status"`

	PaymentHash []byte `db:"payment_hash"`
	// Preimage is known for our own receive invoices from the moment we
	// mint them, and filled in on outbound payments once they succeed
	Preimage []byte `db:"payment_preimage"`

	Bolt11      string `db:"bolt11"`
	Description string `db:"description"`

	// GeneratedAt, Expiry and ExpiredAt are unix seconds
	GeneratedAt int64 `db:"generated_at"`
	Expiry      int64 `db:"expiry"`
	ExpiredAt   int64 `db:"expired_at"`

	// AmountMsat is the invoiced amount, PaidAmountMsat the amount
	// actually received or delivered
	AmountMsat     int64 `db:"amount"`
	PaidAt         int64 `db:"paid_at"`
	PaidAmountMsat int64 `db:"paid_amount"`
	// FeeMsat is the route fee, ServiceFeeMsat ours
	FeeMsat        int64 `db:"fee"`
	ServiceFeeMsat int64 `db:"service_fee"`
	// TotalMsat is amount + fee + service_fee as settled
	TotalMsat int64 `db:"total"`
	// LockAmountMsat is the msat reserved from the payer's balance while
	// this payment is in flight, zero otherwise
	LockAmountMsat int64 `db:"lock_amount"`

	// Internal marks settlement between two users of this server
	Internal bool `db:"internal"`
	// Duplicate marks a receive invoice that was settled internally and
	// then paid again over the network by an external payer
	Duplicate bool `db:"duplicate"`

	// Source is the surface the request came in through, Service the
	// node backend that served it
	Source  string `db:"source"`
	Service string `db:"service"`

	Comment    *string `db:"comment"`
	PayerName  *string `db:"payer_name"`
	PayerEmail *string `db:"payer_email"`
	// PayerPubkey is the payer-supplied nostr identity (LUD-18)
	PayerPubkey []byte `db:"payer_pubkey"`

	// Zap fields (NIP-57)
	Zap bool `db:"zap"`
	// ZapFrom is the hex pubkey of the zap sender
	ZapFrom string `db:"zap_from"`
	// ZapPubkey is the hex pubkey being zapped
	ZapPubkey string `db:"zap_pubkey"`
	// ZapEvent is the zapped event id, if any
	ZapEvent  string `db:"zap_event"`
	ZapStatus int16  `db:"zap_status"`
	// ZapReceipt is the published kind 9735 event json
	ZapReceipt string `db:"zap_receipt"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsExpired reports whether the underlying payment request is past its
// expiry
func (i Invoice) IsExpired() bool {
	return time.Now().Unix() >= i.ExpiredAt
}

const allColumns = `user_id, user_pubkey, payee, type, status, payment_hash,
	payment_preimage, bolt11, description, generated_at, expiry, expired_at,
	amount, paid_at, paid_amount, fee, service_fee, total, lock_amount,
	internal, duplicate, source, service, comment, payer_name, payer_email,
	payer_pubkey, zap, zap_from, zap_pubkey, zap_event, zap_status, zap_receipt`

// Insert persists the invoice. A clash on (type, payment_hash) returns
// ErrAlreadyExists.
func Insert(tx db.Inserter, invoice Invoice) (Invoice, error) {
	query := `INSERT INTO invoices (` + allColumns + `)
	VALUES (:user_id, :user_pubkey, :payee, :type, :status, :payment_hash,
		:payment_preimage, :bolt11, :description, :generated_at, :expiry, :expired_at,
		:amount, :paid_at, :paid_amount, :fee, :service_fee, :total, :lock_amount,
		:internal, :duplicate, :source, :service, :comment, :payer_name, :payer_email,
		:payer_pubkey, :zap, :zap_from, :zap_pubkey, :zap_event, :zap_status, :zap_receipt)
	RETURNING *`

	rows, err := tx.NamedQuery(query, invoice)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueTypeHashConstraint {
			return Invoice{}, ErrAlreadyExists
		}
		return Invoice{}, errors.Wrap(err, "could not insert invoice")
	}
	defer func() { _ = rows.Close() }()

	var inserted Invoice
	if !rows.Next() {
		return Invoice{}, errors.New("could not insert invoice: no row returned")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Invoice{}, errors.Wrap(err, "could not scan inserted invoice")
	}
	return inserted, nil
}

// GetByID selects a single invoice
func GetByID(d db.Getter, id int64) (Invoice, error) {
	var invoice Invoice
	if err := d.Get(&invoice, `SELECT * FROM invoices WHERE id=$1`, id); err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, errors.Wrapf(err, "GetByID(%d)", id)
	}
	return invoice, nil
}

// GetByHash selects a single invoice by direction and payment hash
func GetByHash(d db.Getter, invoiceType Type, paymentHash []byte) (Invoice, error) {
	var invoice Invoice
	err := d.Get(&invoice,
		`SELECT * FROM invoices WHERE type=$1 AND payment_hash=$2`,
		invoiceType, paymentHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, errors.Wrap(err, "GetByHash")
	}
	return invoice, nil
}

// ListForUser selects the newest invoices of one direction for a user
func ListForUser(d *db.DB, userID int64, invoiceType Type, limit, offset int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	invoices := []Invoice{}
	err := d.Select(&invoices, `
		SELECT * FROM invoices
		WHERE user_id=$1 AND type=$2
		ORDER BY generated_at DESC, id DESC
		LIMIT $3 OFFSET $4`, userID, invoiceType, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "ListForUser")
	}
	return invoices, nil
}

// ListAllForUser selects the newest invoices of both directions for a
// user
func ListAllForUser(d *db.DB, userID int64, limit, offset int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	invoices := []Invoice{}
	err := d.Select(&invoices, `
		SELECT * FROM invoices
		WHERE user_id=$1
		ORDER BY generated_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "ListAllForUser")
	}
	return invoices, nil
}

// SweepableReceives selects receive invoices the reconciler still cares
// about: not canceled and generated after the horizon
func SweepableReceives(d *db.DB, generatedAfter int64) ([]Invoice, error) {
	invoices := []Invoice{}
	err := d.Select(&invoices, `
		SELECT * FROM invoices
		WHERE type=$1 AND status<>$2 AND generated_at>=$3
		ORDER BY generated_at`, TypeInvoice, StatusCanceled, generatedAfter)
	if err != nil {
		return nil, errors.Wrap(err, "SweepableReceives")
	}
	return invoices, nil
}

// UnpaidPayments selects outbound payments that still hold a lock
func UnpaidPayments(d *db.DB) ([]Invoice, error) {
	invoices := []Invoice{}
	err := d.Select(&invoices, `
		SELECT * FROM invoices
		WHERE type=$1 AND status=$2
		ORDER BY generated_at`, TypePayment, StatusUnpaid)
	if err != nil {
		return nil, errors.Wrap(err, "UnpaidPayments")
	}
	return invoices, nil
}

// PendingZapReceipts selects paid zap invoices whose receipt has not been
// published yet
func PendingZapReceipts(d *db.DB, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	invoices := []Invoice{}
	err := d.Select(&invoices, `
		SELECT * FROM invoices
		WHERE zap AND zap_status=$1 AND status=$2
		ORDER BY paid_at
		LIMIT $3`, ZapPending, StatusPaid, limit)
	if err != nil {
		return nil, errors.Wrap(err, "PendingZapReceipts")
	}
	return invoices, nil
}

// SettleReceive flips an unpaid receive invoice to paid. Guarded on the
// row still being unpaid, the loser of a concurrent settle race gets
// ErrUpdateLost.
func SettleReceive(tx sqlx.Execer, id int64, amountMsat, paidAmountMsat, paidAt int64,
	internal bool) error {

	res, err := tx.Exec(`
		UPDATE invoices
		SET status=$2, amount=$3, paid_amount=$4, paid_at=$5, internal=$6, updated_at=now()
		WHERE id=$1 AND status=$7`,
		id, StatusPaid, amountMsat, paidAmountMsat, paidAt, internal, StatusUnpaid)
	if err != nil {
		return errors.Wrap(err, "SettleReceive")
	}
	return exactlyOne(res)
}

// CancelReceive flips an unpaid receive invoice to canceled
func CancelReceive(tx sqlx.Execer, id int64) error {
	res, err := tx.Exec(`
		UPDATE invoices
		SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3`, id, StatusCanceled, StatusUnpaid)
	if err != nil {
		return errors.Wrap(err, "CancelReceive")
	}
	return exactlyOne(res)
}

// MarkDuplicate credits an external settlement on top of an internally
// settled receive invoice. May succeed at most once per row.
func MarkDuplicate(tx sqlx.Execer, id int64, extraPaidMsat int64) error {
	res, err := tx.Exec(`
		UPDATE invoices
		SET paid_amount=paid_amount+$2, duplicate=true, updated_at=now()
		WHERE id=$1 AND status=$3 AND internal AND NOT duplicate`,
		id, extraPaidMsat, StatusPaid)
	if err != nil {
		return errors.Wrap(err, "MarkDuplicate")
	}
	return exactlyOne(res)
}

// SettlePayment records a successful outbound payment: releases the row
// lock, fills in the real amounts and the preimage. Guarded on the lock
// still being in place.
func SettlePayment(tx sqlx.Execer, id int64, lockAmountMsat int64,
	preimage []byte, amountMsat, paidAmountMsat, feeMsat, totalMsat, paidAt int64) error {

	res, err := tx.Exec(`
		UPDATE invoices
		SET status=$3, lock_amount=0, payment_preimage=$4,
		    amount=$5, paid_amount=$6, fee=$7, total=$8, paid_at=$9, updated_at=now()
		WHERE id=$1 AND lock_amount=$2`,
		id, lockAmountMsat, StatusPaid, preimage,
		amountMsat, paidAmountMsat, feeMsat, totalMsat, paidAt)
	if err != nil {
		return errors.Wrap(err, "SettlePayment")
	}
	return exactlyOne(res)
}

// CancelPayment records a failed outbound payment and releases the row
// lock. Guarded on the row being unpaid with the expected lock.
func CancelPayment(tx sqlx.Execer, id int64, lockAmountMsat int64) error {
	res, err := tx.Exec(`
		UPDATE invoices
		SET status=$3, lock_amount=0, updated_at=now()
		WHERE id=$1 AND status=$4 AND lock_amount=$2`,
		id, lockAmountMsat, StatusCanceled, StatusUnpaid)
	if err != nil {
		return errors.Wrap(err, "CancelPayment")
	}
	return exactlyOne(res)
}

// SetZapReceipt stores the published receipt and marks the row done.
// Guarded so a racing publisher cannot double-publish bookkeeping.
func SetZapReceipt(tx sqlx.Execer, id int64, receipt string) error {
	res, err := tx.Exec(`
		UPDATE invoices
		SET zap_status=$2, zap_receipt=$3, updated_at=now()
		WHERE id=$1 AND zap_status=$4`,
		id, ZapPublished, receipt, ZapPending)
	if err != nil {
		return errors.Wrap(err, "SetZapReceipt")
	}
	return exactlyOne(res)
}

func exactlyOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read affected row count")
	}
	if affected != 1 {
		return ErrUpdateLost
	}
	return nil
}
