package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// AcquireLease takes the lease of key for owner if it is free or expired.
func (s *Store) AcquireLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE job_leases.expires_at < ?`,
		key.String(), owner, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RenewLease extends a lease still held by owner.
func (s *Store) RenewLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_leases SET expires_at = ? WHERE key = ? AND owner = ?`,
		millis(s.now().Add(ttl)), key.String(), owner)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", key, models.ErrLeaseLost)
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, key models.JobKey, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE key = ? AND owner = ?`, key.String(), owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// LeaseHolder returns the owner of an unexpired lease.
func (s *Store) LeaseHolder(ctx context.Context, key models.JobKey) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM job_leases WHERE key = ? AND expires_at >= ?`,
		key.String(), millis(s.now())).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lease holder %s: %w", key, err)
	}
	return owner, true, nil
}
