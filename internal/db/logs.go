package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rsclarke/keygate/internal/models"
)

// CreateRequestLog inserts a request log record and returns its ID.
func CreateRequestLog(ctx context.Context, d *sql.DB, l *models.RequestLog) (int64, error) {
	var keyID any
	if l.APIKeyID != 0 {
		keyID = l.APIKeyID
	}
	result, err := d.ExecContext(ctx, `INSERT INTO request_logs (
		api_key_id, api_key_name, endpoint, method, ip_address, user_agent,
		request_data, status_code, message, duration_ms, memory_bytes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		keyID, l.APIKeyName, l.Endpoint, l.Method, l.IPAddress, l.UserAgent,
		l.RequestData, l.StatusCode, l.Message, l.DurationMS, l.MemoryBytes, l.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// LogFilter narrows ListRequestLogs. Zero values match everything.
type LogFilter struct {
	APIKeyID int64
	Since    time.Time
	Limit    int
	Offset   int
}

// ListRequestLogs returns request logs matching f, newest first.
func ListRequestLogs(ctx context.Context, d *sql.DB, f LogFilter) ([]models.RequestLog, error) {
	var (
		conds []string
		args  []any
	)
	if f.APIKeyID != 0 {
		conds = append(conds, "api_key_id = ?")
		args = append(args, f.APIKeyID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.Unix())
	}
	q := `SELECT id, COALESCE(api_key_id, 0), api_key_name, endpoint, method, ip_address, user_agent,
		request_data, status_code, message, duration_ms, memory_bytes, created_at FROM request_logs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RequestLog
	for rows.Next() {
		var (
			l         models.RequestLog
			createdAt int64
		)
		err := rows.Scan(&l.ID, &l.APIKeyID, &l.APIKeyName, &l.Endpoint, &l.Method, &l.IPAddress, &l.UserAgent,
			&l.RequestData, &l.StatusCode, &l.Message, &l.DurationMS, &l.MemoryBytes, &createdAt)
		if err != nil {
			return nil, err
		}
		l.CreatedAt = fromUnix(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneRequestLogs deletes request logs created before cutoff.
func PruneRequestLogs(ctx context.Context, d *sql.DB, cutoff time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM request_logs WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 1000 {
		return 1000
	}
	return n
}
