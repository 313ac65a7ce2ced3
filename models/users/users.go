package users

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/db"
)

// User is a database table. Balances are millisatoshi. Balance is net of
// locked funds: locking moves msat from balance into the lock, settling
// either spends the lock or refunds it.
type User struct {
	ID int64 `db:"id"`

	// Pubkey is the 32 byte nostr pubkey identifying the account
	Pubkey []byte `db:"pubkey"`

	Balance    int64 `db:"balance"`
	LockAmount int64 `db:"lock_amount"`

	// Username is the optional lightning address local part
	Username *string `db:"username"`
	// Password is the opaque LNDHUB credential, nil when LNDHUB access
	// is disabled
	Password *string `db:"password"`

	// DonateAmount is the cumulative msat this user has donated
	DonateAmount int64 `db:"donate_amount"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Exported errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrBalanceTooLow     = errors.New("user balance too low")
	ErrUsernameTaken     = errors.New("username is already taken")
	ErrInvalidUsername   = errors.New("username can only contain the characters a-z 0-9 - _ .")
	ErrBalanceUpdateLost = errors.New("user balance update affected no rows")
)

const uniqueUsernameConstraint = "users_username_key"

// UsernameMaxChars is the longest username we accept
const UsernameMaxChars = 20

// UsernameMinChars is the shortest username we accept, donation perks
// notwithstanding
const UsernameMinChars = 2

var usernamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidUsername checks the character set and length rules
func ValidUsername(username string) error {
	if len(username) < UsernameMinChars || len(username) > UsernameMaxChars {
		return fmt.Errorf("username must be between %d and %d characters",
			UsernameMinChars, UsernameMaxChars)
	}
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// GetByID selects the user with the given id
func GetByID(d db.Getter, id int64) (User, error) {
	var user User
	if err := d.Get(&user, `SELECT * FROM users WHERE id=$1`, id); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByID(%d)", id)
	}
	return user, nil
}

// GetByPubkey selects the user with the given pubkey
func GetByPubkey(d db.Getter, pubkey []byte) (User, error) {
	var user User
	if err := d.Get(&user, `SELECT * FROM users WHERE pubkey=$1`, pubkey); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrap(err, "GetByPubkey")
	}
	return user, nil
}

// GetByUsername selects the user with the given username
func GetByUsername(d db.Getter, username string) (User, error) {
	var user User
	if err := d.Get(&user, `SELECT * FROM users WHERE username=$1`, username); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrap(err, "GetByUsername")
	}
	return user, nil
}

// GetOrCreate fetches the user for the pubkey, creating an empty account
// on first contact
func GetOrCreate(d *db.DB, pubkey []byte) (User, error) {
	var user User
	err := d.Get(&user, `
		INSERT INTO users (pubkey) VALUES ($1)
		ON CONFLICT (pubkey) DO UPDATE SET pubkey=EXCLUDED.pubkey
		RETURNING *`, pubkey)
	if err != nil {
		return User{}, errors.Wrap(err, "GetOrCreate")
	}
	return user, nil
}

// UpdatePassword sets or clears the LNDHUB credential
func UpdatePassword(d db.Getter, id int64, password *string) (User, error) {
	var user User
	err := d.Get(&user, `
		UPDATE users SET password=$2, updated_at=now() WHERE id=$1
		RETURNING *`, id, password)
	if err != nil {
		return User{}, errors.Wrap(err, "UpdatePassword")
	}
	return user, nil
}

// UpdateUsername sets or clears the username. The unique index turns a
// clash into ErrUsernameTaken.
func UpdateUsername(d db.Getter, id int64, username *string) (User, error) {
	if username != nil {
		if err := ValidUsername(*username); err != nil {
			return User{}, err
		}
	}

	var user User
	err := d.Get(&user, `
		UPDATE users SET username=$2, updated_at=now() WHERE id=$1
		RETURNING *`, id, username)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueUsernameConstraint {
			return User{}, ErrUsernameTaken
		}
		return User{}, errors.Wrap(err, "UpdateUsername")
	}
	return user, nil
}

// LockBalance reserves amountMsat of the user's balance for an in-flight
// outbound payment: balance -= amount, lock_amount += amount, guarded on
// the balance covering the amount. Exactly one row must change, anything
// else means the funds are not there.
func LockBalance(tx sqlx.Execer, id int64, amountMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET balance = balance - $2, lock_amount = lock_amount + $2, updated_at = now()
		WHERE id = $1 AND balance >= $2`, id, amountMsat)
	if err != nil {
		return errors.Wrap(err, "LockBalance")
	}
	return exactlyOne(res, ErrBalanceTooLow)
}

// ReleaseLock returns refundMsat of a lockMsat lock to the balance and
// clears the lock. On a failed payment refundMsat equals lockMsat, on a
// successful one it is whatever the route did not consume.
func ReleaseLock(tx sqlx.Execer, id int64, lockMsat, refundMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET balance = balance + $3, lock_amount = lock_amount - $2, updated_at = now()
		WHERE id = $1 AND lock_amount >= $2`, id, lockMsat, refundMsat)
	if err != nil {
		return errors.Wrap(err, "ReleaseLock")
	}
	return exactlyOne(res, ErrBalanceUpdateLost)
}

// DebitBalance decreases the balance, guarded on the balance covering the
// amount
func DebitBalance(tx sqlx.Execer, id int64, amountMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET balance = balance - $2, updated_at = now()
		WHERE id = $1 AND balance >= $2`, id, amountMsat)
	if err != nil {
		return errors.Wrap(err, "DebitBalance")
	}
	return exactlyOne(res, ErrBalanceTooLow)
}

// CreditBalance increases the balance unconditionally
func CreditBalance(tx sqlx.Execer, id int64, amountMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET balance = balance + $2, updated_at = now()
		WHERE id = $1`, id, amountMsat)
	if err != nil {
		return errors.Wrap(err, "CreditBalance")
	}
	return exactlyOne(res, ErrUserNotFound)
}

// AddDonateAmount bumps the cumulative donation counter
func AddDonateAmount(tx sqlx.Execer, id int64, amountMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET donate_amount = donate_amount + $2, updated_at = now()
		WHERE id = $1`, id, amountMsat)
	if err != nil {
		return errors.Wrap(err, "AddDonateAmount")
	}
	return exactlyOne(res, ErrUserNotFound)
}

// SetBalance sets the balance to an absolute value, for admin
// adjustments only
func SetBalance(tx sqlx.Execer, id int64, balanceMsat int64) error {
	res, err := tx.Exec(`
		UPDATE users
		SET balance = $2, updated_at = now()
		WHERE id = $1`, id, balanceMsat)
	if err != nil {
		return errors.Wrap(err, "SetBalance")
	}
	return exactlyOne(res, ErrUserNotFound)
}

func exactlyOne(res sql.Result, mismatch error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read affected row count")
	}
	if affected != 1 {
		return mismatch
	}
	return nil
}
