// Package events is the at-most-once acceptance log for inbound nostr
// requests. The unique index on event_id turns a replayed request into a
// no-op before any handler runs.
package events

import (
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/db"
)

// Status is the processing state of an accepted event
type Status int16

const (
	StatusCreated   Status = 0
	StatusSucceeded Status = 1
	StatusFailed    Status = 2
)

// Event is a database table
type Event struct {
	ID int64 `db:"id"`
	// EventID is the 32 byte nostr event id
	EventID []byte `db:"event_id"`
	Status  Status `db:"status"`
	// Json is the original event
	Json    string `db:"json"`
	Message string `db:"message"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const uniqueEventIDConstraint = "events_event_id_key"

// Accept inserts the event. Returns (event, true) when this is the first
// time we see the id, (zero, false) when it was seen before — the caller
// must not process a seen event again.
func Accept(d db.Getter, eventID []byte, json string) (Event, bool, error) {
	var event Event
	err := d.Get(&event, `
		INSERT INTO events (event_id, status, json)
		VALUES ($1, $2, $3)
		RETURNING *`, eventID, StatusCreated, json)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueEventIDConstraint {
			return Event{}, false, nil
		}
		return Event{}, false, errors.Wrap(err, "could not accept event")
	}
	return event, true, nil
}

// MarkSucceeded records the terminal outcome of a processed event
func MarkSucceeded(d *db.DB, id int64, message string) error {
	_, err := d.Exec(`
		UPDATE events SET status=$2, message=$3, updated_at=now() WHERE id=$1`,
		id, StatusSucceeded, message)
	return errors.Wrap(err, "MarkSucceeded")
}

// MarkFailed records the terminal failure of a processed event
func MarkFailed(d *db.DB, id int64, message string) error {
	_, err := d.Exec(`
		UPDATE events SET status=$2, message=$3, updated_at=now() WHERE id=$1`,
		id, StatusFailed, message)
	return errors.Wrap(err, "MarkFailed")
}
