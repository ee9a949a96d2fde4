package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rsclarke/keygate/internal/models"
)

// DailyStats aggregates request logs per UTC day since the given time,
// oldest day first.
func DailyStats(ctx context.Context, d *sql.DB, since time.Time) ([]models.DailyStat, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT date(created_at, 'unixepoch') AS day,
			COUNT(*),
			COUNT(DISTINCT api_key_id),
			COUNT(DISTINCT ip_address),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(AVG(memory_bytes), 0)
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day ASC
	`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.DailyStat
	for rows.Next() {
		var s models.DailyStat
		if err := rows.Scan(&s.Day, &s.Total, &s.UniqueKeys, &s.UniqueIPs, &s.AvgDurationMS, &s.AvgMemoryBytes); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// TopEndpoints returns the most requested endpoints since the given time.
func TopEndpoints(ctx context.Context, d *sql.DB, since time.Time, limit int) ([]models.EndpointStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.QueryContext(ctx, `
		SELECT endpoint, COUNT(*) AS hits
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY endpoint
		ORDER BY hits DESC, endpoint ASC
		LIMIT ?
	`, since.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.EndpointStat
	for rows.Next() {
		var s models.EndpointStat
		if err := rows.Scan(&s.Endpoint, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DailyErrorRates returns the per-day share of responses with status >= 400.
func DailyErrorRates(ctx context.Context, d *sql.DB, since time.Time) ([]models.ErrorRate, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT date(created_at, 'unixepoch') AS day,
			COUNT(*),
			SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END)
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day ASC
	`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []models.ErrorRate
	for rows.Next() {
		var r models.ErrorRate
		if err := rows.Scan(&r.Day, &r.Total, &r.Errors); err != nil {
			return nil, err
		}
		if r.Total > 0 {
			r.Rate = float64(r.Errors) / float64(r.Total)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}
