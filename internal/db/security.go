package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rsclarke/keygate/internal/models"
)

// CreateSecurityEvent appends a security event and returns its ID.
func CreateSecurityEvent(ctx context.Context, d *sql.DB, e *models.SecurityEvent) (int64, error) {
	result, err := d.ExecContext(ctx, `INSERT INTO security_events (
		event_type, level, message, ip_address, user_agent, api_key_id, key_name, request_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, e.Level, e.Message, e.IPAddress, e.UserAgent, e.APIKeyID, e.KeyName, e.RequestID, e.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SecurityEventFilter narrows ListSecurityEvents.
type SecurityEventFilter struct {
	EventType string
	Since     time.Time
	Limit     int
}

// ListSecurityEvents returns events matching f, newest first.
func ListSecurityEvents(ctx context.Context, d *sql.DB, f SecurityEventFilter) ([]models.SecurityEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.Unix())
	}
	q := `SELECT id, event_type, level, message, ip_address, user_agent, api_key_id, key_name, request_id, created_at
		FROM security_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		var (
			e         models.SecurityEvent
			keyID     sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Level, &e.Message, &e.IPAddress, &e.UserAgent,
			&keyID, &e.KeyName, &e.RequestID, &createdAt); err != nil {
			return nil, err
		}
		if keyID.Valid {
			id := keyID.Int64
			e.APIKeyID = &id
		}
		e.CreatedAt = fromUnix(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneSecurityEvents deletes events created before cutoff.
func PruneSecurityEvents(ctx context.Context, d *sql.DB, cutoff time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM security_events WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
