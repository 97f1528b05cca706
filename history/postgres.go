package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS alarm_events (
	alarm_number      INTEGER NOT NULL,
	triggered_date    DATE    NOT NULL,
	triggered_time    TIME(3) NOT NULL,
	acknowledged_date DATE,
	acknowledged_time TIME(3),
	alarm_type        TEXT    NOT NULL,
	status            TEXT    NOT NULL,
	name              TEXT    NOT NULL,
	PRIMARY KEY (alarm_number, triggered_date, triggered_time)
)`

// PostgresSink stores events in the alarm_events table.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects to dsn using the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// NewPostgresSink wraps an open database handle.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the alarm_events table if it does not exist.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errors.New("alarm history: nil db")
	}
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresSink) Insert(ctx context.Context, e Event) error {
	if p == nil || p.db == nil {
		return errors.New("alarm history: nil db")
	}
	if err := e.Key().Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO alarm_events (
	alarm_number, triggered_date, triggered_time, alarm_type, status, name
) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.AlarmNumber, e.TriggeredDate, e.TriggeredTime, e.AlarmType, e.Status, e.Name)
	return err
}

func (p *PostgresSink) Acknowledge(ctx context.Context, k Key, at time.Time) error {
	if p == nil || p.db == nil {
		return errors.New("alarm history: nil db")
	}
	if err := k.Validate(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
UPDATE alarm_events
SET acknowledged_date = $4, acknowledged_time = $5, status = $6
WHERE alarm_number = $1 AND triggered_date = $2 AND triggered_time = $3
	AND acknowledged_date IS NULL`,
		k.AlarmNumber, k.TriggeredDate, k.TriggeredTime,
		at.Format(DateLayout), at.Format(TimeLayout), StatusAcknowledged)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return nil
}

// List returns the newest events first.
func (p *PostgresSink) List(ctx context.Context, limit int) ([]Event, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("alarm history: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT alarm_number,
	to_char(triggered_date, 'YYYY-MM-DD'), to_char(triggered_time, 'HH24:MI:SS.MS'),
	to_char(acknowledged_date, 'YYYY-MM-DD'), to_char(acknowledged_time, 'HH24:MI:SS.MS'),
	alarm_type, status, name
FROM alarm_events
ORDER BY triggered_date DESC, triggered_time DESC, alarm_number ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ackDate, ackTime sql.NullString
		if err := rows.Scan(
			&e.AlarmNumber,
			&e.TriggeredDate,
			&e.TriggeredTime,
			&ackDate,
			&ackTime,
			&e.AlarmType,
			&e.Status,
			&e.Name,
		); err != nil {
			return nil, err
		}
		if ackDate.Valid {
			e.AcknowledgedDate = &ackDate.String
		}
		if ackTime.Valid {
			e.AcknowledgedTime = &ackTime.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (p *PostgresSink) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
