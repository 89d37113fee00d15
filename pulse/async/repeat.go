package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/almasync/errors"
)

// cronParser accepts standard 5-field expressions, an optional leading seconds field,
// and descriptors such as @daily or @every 1h.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron checks that a cron expression parses
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.NewInvalidRequestError("cron expression is required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Mark(
			errors.Wrapf(err, "invalid cron expression %q", expr),
			errors.ErrInvalidRequest,
		)
	}
	return nil
}

// NextRun returns the first firing of expr strictly after the given time, evaluated in loc
func NextRun(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Mark(
			errors.Wrapf(err, "invalid cron expression %q", expr),
			errors.ErrInvalidRequest,
		)
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q never fires", expr)
	}
	return next, nil
}

// repeatInstanceID builds the job id for one firing of a repeatable
func repeatInstanceID(key string, at time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", key, at.UnixMilli())
}

func upsertRepeatable(ctx context.Context, q querier, r *Repeatable) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO pulse_repeatables (
			key, job_name, payload, pattern, max_attempts, backoff_ms,
			next_run_at, last_run_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(key) DO UPDATE SET
			job_name = excluded.job_name,
			payload = excluded.payload,
			pattern = excluded.pattern,
			max_attempts = excluded.max_attempts,
			backoff_ms = excluded.backoff_ms,
			next_run_at = excluded.next_run_at`,
		r.Key, r.Name, payloadString(r.Payload), r.Pattern, r.MaxAttempts, r.BackoffMs,
		toMillis(r.NextRunAt), toMillis(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to register repeatable %s", r.Key)
	}
	return nil
}

func listRepeatables(ctx context.Context, q querier, where string, args ...interface{}) ([]*Repeatable, error) {
	query := `SELECT ` + repeatableSelectColumns + ` FROM pulse_repeatables`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY next_run_at, key`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list repeatables")
	}
	defer rows.Close()

	var out []*Repeatable
	for rows.Next() {
		r, err := scanRepeatable(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan repeatable")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getRepeatable(ctx context.Context, q querier, key string) (*Repeatable, error) {
	r, err := scanRepeatable(q.QueryRowContext(ctx,
		`SELECT `+repeatableSelectColumns+` FROM pulse_repeatables WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("repeatable not found: %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get repeatable %s", key)
	}
	return r, nil
}

func markRepeatableFired(ctx context.Context, q querier, key string, firedAt, next time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE pulse_repeatables SET last_run_at = ?, next_run_at = ? WHERE key = ?`,
		toMillis(firedAt), toMillis(next), key)
	if err != nil {
		return errors.Wrapf(err, "failed to advance repeatable %s", key)
	}
	return nil
}
