// Package donations records payments made to the configured donation
// account, one row per settled donation invoice.
package donations

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/db"
)

// Donation is a database table
type Donation struct {
	ID int64 `db:"id"`
	// UserID is the donor
	UserID int64 `db:"user_id"`
	// InvoiceID is the settled donation invoice, unique so a duplicate
	// settlement can never count twice
	InvoiceID int64 `db:"invoice_id"`
	// Amount donated in msat
	Amount  int64  `db:"amount"`
	Message string `db:"message"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Insert records a donation. Returns false without error when the
// invoice was already recorded.
func Insert(tx sqlx.Execer, donation Donation) (bool, error) {
	res, err := tx.Exec(`
		INSERT INTO donations (user_id, invoice_id, amount, message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (invoice_id) DO NOTHING`,
		donation.UserID, donation.InvoiceID, donation.Amount, donation.Message)
	if err != nil {
		return false, errors.Wrap(err, "could not insert donation")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "could not read affected row count")
	}
	return affected == 1, nil
}

// TotalForUser sums everything a user has donated
func TotalForUser(d db.Getter, userID int64) (int64, error) {
	var sum int64
	err := d.Get(&sum,
		`SELECT COALESCE(SUM(amount), 0) FROM donations WHERE user_id=$1`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "TotalForUser")
	}
	return sum, nil
}
