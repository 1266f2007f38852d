// Package audit keeps a durable log of rejected and failed chat requests for
// operators. It never stores message text.
package audit

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"portfoliochat/db"
)

// Kind classifies an abuse event.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindHourlyLimit Kind = "hourly_limit"
	KindBlocked     Kind = "blocked"
	KindOrigin      Kind = "origin_denied"
	KindInvalid     Kind = "invalid_request"
	KindContent     Kind = "content_rejected"
	KindProvider    Kind = "provider_error"
)

const (
	maxDetail     = 200
	recordTimeout = 5 * time.Second
)

type Event struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Offender aggregates events per caller and kind.
type Offender struct {
	Caller   string    `json:"caller"`
	Kind     Kind      `json:"kind"`
	Total    int64     `json:"total"`
	LastSeen time.Time `json:"last_seen"`
}

// Log writes events to the abuse_events and abuse_counters tables.
type Log struct {
	db  *db.CompatDB
	now func() time.Time
}

func New(d *db.CompatDB) *Log {
	return &Log{db: d, now: time.Now}
}

// Record stores one event and bumps the caller's counter in a single
// transaction. The write outlives ctx cancellation, so an event is still kept
// when the visitor disconnects; it is bounded by recordTimeout instead.
func (l *Log) Record(ctx context.Context, caller string, kind Kind, detail string) error {
	if utf8.RuneCountInString(detail) > maxDetail {
		detail = string([]rune(detail)[:maxDetail])
	}
	ts := db.FormatTime(l.now())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	return db.WithTx(ctx, l.db, func(conn *db.CompatConn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO abuse_events (id, caller, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), caller, string(kind), detail, ts,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO abuse_counters (caller, kind, total, last_seen) VALUES (?, ?, 1, ?)
			 ON CONFLICT (caller, kind) DO UPDATE SET total = abuse_counters.total + 1, last_seen = excluded.last_seen`,
			caller, string(kind), ts,
		); err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}
		return nil
	})
}

// Recent returns the newest events first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, caller, kind, detail, created_at FROM abuse_events
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var kind, ts string
		if err := rows.Scan(&e.ID, &e.Caller, &kind, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if e.CreatedAt, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TopOffenders returns the callers with the most events.
func (l *Log) TopOffenders(ctx context.Context, limit int) ([]Offender, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT caller, kind, total, last_seen FROM abuse_counters
		 ORDER BY total DESC, last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Offender{}
	for rows.Next() {
		var o Offender
		var kind, ts string
		if err := rows.Scan(&o.Caller, &kind, &o.Total, &ts); err != nil {
			return nil, err
		}
		o.Kind = Kind(kind)
		if o.LastSeen, err = db.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune deletes events older than before.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM abuse_events WHERE created_at < ?`, db.FormatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
