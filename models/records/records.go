// Package records is the append-only audit trail of balance changes.
// Rows are written inside the same transaction as the balance update they
// describe and never modified afterwards.
package records

import (
	"time"

	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/db"
)

// Balance change sources
const (
	SourceAdmin            = "admin"
	SourceInternalPayment  = "internal_payment"
	SourceExternalPayment  = "external_payment"
	SourceDuplicatePayment = "duplicate_payment"
)

// Record is a database table
type Record struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	UserPubkey []byte `db:"user_pubkey"`
	// InvoiceID links the invoice or payment that moved the funds, nil
	// for admin adjustments
	InvoiceID *int64 `db:"invoice_id"`
	// Balance is the user balance after the change
	Balance int64 `db:"balance"`
	// Change is the signed delta in msat
	Change int64 `db:"change"`

	Source string `db:"source"`
	Note   string `db:"note"`

	CreatedAt time.Time `db:"created_at"`
}

// Insert appends a record
func Insert(tx db.Inserter, record Record) (Record, error) {
	rows, err := tx.NamedQuery(`
		INSERT INTO records (user_id, user_pubkey, invoice_id, balance, change, source, note)
		VALUES (:user_id, :user_pubkey, :invoice_id, :balance, :change, :source, :note)
		RETURNING *`, record)
	if err != nil {
		return Record{}, errors.Wrap(err, "could not insert record")
	}
	defer func() { _ = rows.Close() }()

	var inserted Record
	if !rows.Next() {
		return Record{}, errors.New("could not insert record: no row returned")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Record{}, errors.Wrap(err, "could not scan inserted record")
	}
	return inserted, nil
}

// ListForUser selects the newest records for a user
func ListForUser(d *db.DB, userID int64, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	result := []Record{}
	err := d.Select(&result, `
		SELECT * FROM records
		WHERE user_id=$1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "ListForUser")
	}
	return result, nil
}

// SumChanges adds up every change ever recorded for a user
func SumChanges(d db.Getter, userID int64) (int64, error) {
	var sum int64
	err := d.Get(&sum,
		`SELECT COALESCE(SUM(change), 0) FROM records WHERE user_id=$1`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "SumChanges")
	}
	return sum, nil
}
