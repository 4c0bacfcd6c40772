package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallLogEntry is one audited one-shot call.
// Result is nil when the call failed; Error is empty when it succeeded.
type CallLogEntry struct {
	ID        string
	User      string
	Client    string
	Timestamp time.Time
	Name      string
	Args      []any
	Result    *string
	Error     string
}

// CallLogFilter narrows ReadCallLog.
type CallLogFilter struct {
	User  string // empty matches every user
	Limit int    // <= 0 means no limit
}

// WriteCallLog appends an entry to the audit log.
// A missing ID is generated; a zero Timestamp is set to now (UTC).
func (s *Store) WriteCallLog(ctx context.Context, entry CallLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.Must(uuid.NewV7()).String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	argsJSON, err := marshalArgs(entry.Args)
	if err != nil {
		return fmt.Errorf("write call log: %w", err)
	}

	var result sql.NullString
	if entry.Result != nil {
		result = sql.NullString{String: *entry.Result, Valid: true}
	}
	var errText sql.NullString
	if entry.Error != "" {
		errText = sql.NullString{String: entry.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_log (id, user, client, timestamp, name, args, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.User,
		entry.Client,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Name,
		argsJSON,
		result,
		errText,
	)
	if err != nil {
		return fmt.Errorf("write call log: %w", err)
	}
	return nil
}

// ReadCallLog returns audit entries oldest first.
func (s *Store) ReadCallLog(ctx context.Context, filter CallLogFilter) ([]CallLogEntry, error) {
	query := `
		SELECT id, user, client, timestamp, name, args, result, error
		FROM call_log
		WHERE (? = '' OR user = ?)
		ORDER BY seq ASC`
	args := []any{filter.User, filter.User}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	entries := []CallLogEntry{}
	for rows.Next() {
		var (
			e         CallLogEntry
			timestamp string
			argsJSON  string
			result    sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.User, &e.Client, &timestamp, &e.Name, &argsJSON, &result, &errText); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse call log timestamp: %w", err)
		}
		e.Args, err = unmarshalArgs(argsJSON)
		if err != nil {
			return nil, err
		}
		if result.Valid {
			r := result.String
			e.Result = &r
		}
		e.Error = errText.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log: %w", err)
	}
	return entries, nil
}
