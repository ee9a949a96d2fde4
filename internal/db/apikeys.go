package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rsclarke/keygate/internal/models"
)

const apiKeyColumns = `id, name, owner_id, key_prefix, key_hash, capabilities, rate_limit,
	allowed_ips, allowed_domains, allowed_endpoints, blocked_endpoints, status,
	expires_at, last_used_at, last_used_ip, request_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		k                                    models.APIKey
		caps, ips, domains, allowed, blocked string
		status                               string
		expiresAt, lastUsedAt                sql.NullInt64
		createdAt, updatedAt                 int64
	)
	err := row.Scan(&k.ID, &k.Name, &k.OwnerID, &k.KeyPrefix, &k.KeyHash, &caps, &k.RateLimit,
		&ips, &domains, &allowed, &blocked, &status,
		&expiresAt, &lastUsedAt, &k.LastUsedIP, &k.RequestCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	k.Capabilities = models.ParseCapabilities(caps)
	k.AllowedIPs = models.SplitList(ips)
	k.AllowedDomains = models.SplitList(domains)
	k.AllowedEndpoints = models.SplitList(allowed)
	k.BlockedEndpoints = models.SplitList(blocked)
	k.Status = models.Status(status)
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.CreatedAt = fromUnix(createdAt)
	k.UpdatedAt = fromUnix(updatedAt)
	return &k, nil
}

func queryAPIKey(ctx context.Context, d *sql.DB, where string, args ...any) (*models.APIKey, error) {
	row := d.QueryRowContext(ctx, "SELECT "+apiKeyColumns+" FROM api_keys WHERE "+where, args...)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// CreateAPIKey inserts a new API key into the database and returns its ID.
// CreatedAt is used for both timestamps.
func CreateAPIKey(ctx context.Context, d *sql.DB, k *models.APIKey) (int64, error) {
	now := k.CreatedAt.Unix()
	result, err := d.ExecContext(ctx, `INSERT INTO api_keys (
		name, owner_id, key_prefix, key_hash, capabilities, rate_limit,
		allowed_ips, allowed_domains, allowed_endpoints, blocked_endpoints,
		status, expires_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Name, k.OwnerID, k.KeyPrefix, k.KeyHash, k.Capabilities.Encode(), k.RateLimit,
		models.JoinList(k.AllowedIPs), models.JoinList(k.AllowedDomains),
		models.JoinList(k.AllowedEndpoints), models.JoinList(k.BlockedEndpoints),
		string(k.Status), unixPtr(k.ExpiresAt), now, now,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAPIKey retrieves an API key by ID.
func GetAPIKey(ctx context.Context, d *sql.DB, id int64) (*models.APIKey, error) {
	return queryAPIKey(ctx, d, "id = ?", id)
}

// GetActiveAPIKeyByHash retrieves the active API key whose credential hashes
// to hash.
func GetActiveAPIKeyByHash(ctx context.Context, d *sql.DB, hash []byte) (*models.APIKey, error) {
	return queryAPIKey(ctx, d, "key_hash = ? AND status = 'active'", hash)
}

// APIKeyFilter narrows ListAPIKeys. Zero values match everything.
type APIKeyFilter struct {
	OwnerID string
	Status  models.Status
}

// ListAPIKeys returns keys matching f, newest first.
func ListAPIKeys(ctx context.Context, d *sql.DB, f APIKeyFilter) ([]models.APIKey, error) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	q := "SELECT " + apiKeyColumns + " FROM api_keys"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateAPIKey writes the mutable fields of k. The hash, prefix and usage
// telemetry are never touched.
func UpdateAPIKey(ctx context.Context, d *sql.DB, k *models.APIKey) error {
	result, err := d.ExecContext(ctx, `UPDATE api_keys SET
		name = ?, capabilities = ?, rate_limit = ?,
		allowed_ips = ?, allowed_domains = ?, allowed_endpoints = ?, blocked_endpoints = ?,
		status = ?, expires_at = ?, updated_at = ?
	WHERE id = ?`,
		k.Name, k.Capabilities.Encode(), k.RateLimit,
		models.JoinList(k.AllowedIPs), models.JoinList(k.AllowedDomains),
		models.JoinList(k.AllowedEndpoints), models.JoinList(k.BlockedEndpoints),
		string(k.Status), unixPtr(k.ExpiresAt), k.UpdatedAt.Unix(), k.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAPIKey removes the key and its usage rows. It reports whether a row
// was deleted.
func DeleteAPIKey(ctx context.Context, d *sql.DB, id int64) (bool, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CountAPIKeys returns the number of active API keys in the database.
func CountAPIKeys(ctx context.Context, d *sql.DB) (int, error) {
	var count int
	err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys WHERE status = 'active'").Scan(&count)
	return count, err
}

// RecordKeyUsage appends a usage row and bumps the key's counters in one
// transaction. request_count is incremented in SQL so concurrent callers
// never lose an update.
func RecordKeyUsage(ctx context.Context, d *sql.DB, id int64, ip string, at time.Time) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE api_keys SET request_count = request_count + 1, last_used_at = ?, last_used_ip = ? WHERE id = ?",
		at.Unix(), ip, id,
	)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO key_usage (api_key_id, ip_address, used_at) VALUES (?, ?, ?)",
		id, ip, at.Unix(),
	); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	return tx.Commit()
}

// CountKeyUsageSince counts usage rows for the key strictly after since.
func CountKeyUsageSince(ctx context.Context, d *sql.DB, id int64, since time.Time) (int, error) {
	var count int
	err := d.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM key_usage WHERE api_key_id = ? AND used_at > ?",
		id, since.Unix(),
	).Scan(&count)
	return count, err
}

// ExpireAPIKeys marks active keys whose expiry has passed as expired and
// returns how many changed.
func ExpireAPIKeys(ctx context.Context, d *sql.DB, now time.Time) (int64, error) {
	result, err := d.ExecContext(ctx,
		"UPDATE api_keys SET status = 'expired', updated_at = ? WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?",
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneKeyUsage deletes usage rows recorded before cutoff.
func PruneKeyUsage(ctx context.Context, d *sql.DB, cutoff time.Time) (int64, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM key_usage WHERE used_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
