package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/sitekb/internal/models"
)

type leaseRow struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}

// AcquireLease takes the lease of key for owner if it is free or expired.
func (c *Client) AcquireLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) (bool, error) {
	now := c.now()
	vars := map[string]any{
		"key":     key.String(),
		"owner":   owner,
		"expires": now.Add(ttl).UnixMilli(),
		"now":     now.UnixMilli(),
	}

	_, err := queryLast[any](ctx, c,
		`CREATE type::record("job_lease", $key) SET owner = $owner, expires_at = $expires`, vars)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrRecordAlreadyExists) {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	rows, err := queryLast[[]leaseRow](ctx, c, `
		UPDATE type::record("job_lease", $key) SET owner = $owner, expires_at = $expires
		WHERE expires_at < $now
		RETURN AFTER
	`, vars)
	if err != nil {
		return false, fmt.Errorf("take over lease %s: %w", key, err)
	}
	return len(rows) == 1 && rows[0].Owner == owner, nil
}

// RenewLease extends a lease still held by owner.
func (c *Client) RenewLease(ctx context.Context, key models.JobKey, owner string, ttl time.Duration) error {
	rows, err := queryLast[[]leaseRow](ctx, c, `
		UPDATE type::record("job_lease", $key) SET expires_at = $expires
		WHERE owner = $owner
		RETURN AFTER
	`, map[string]any{"key": key.String(), "owner": owner, "expires": c.now().Add(ttl).UnixMilli()})
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s: %w", key, models.ErrLeaseLost)
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (c *Client) ReleaseLease(ctx context.Context, key models.JobKey, owner string) error {
	_, err := queryLast[any](ctx, c, `DELETE type::record("job_lease", $key) WHERE owner = $owner`,
		map[string]any{"key": key.String(), "owner": owner})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// LeaseHolder returns the owner of an unexpired lease.
func (c *Client) LeaseHolder(ctx context.Context, key models.JobKey) (string, bool, error) {
	rows, err := queryLast[[]leaseRow](ctx, c, `SELECT owner, expires_at FROM type::record("job_lease", $key)`,
		map[string]any{"key": key.String()})
	if err != nil {
		return "", false, fmt.Errorf("lease holder %s: %w", key, err)
	}
	if len(rows) == 0 || rows[0].ExpiresAt < c.now().UnixMilli() {
		return "", false, nil
	}
	return rows[0].Owner, true, nil
}
