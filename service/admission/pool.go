package admission

import (
	"context"

	"go.uber.org/zap"

	"ChatRelay/logger"
	"ChatRelay/service/degrade"
)

const (
	userPoolPrefix = "ws_user_conns:"
	globalPoolKey  = "ws_pool:global"
)

const (
	ReasonUserPoolFull  = "max_connections_per_user_exceeded"
	ReasonTotalPoolFull = "max_total_connections_exceeded"
)

// PoolInfo describes the pool state behind an admit/deny verdict.
type PoolInfo struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	UserConnections  int64  `json:"user_connections"`
	UserLimit        int    `json:"user_limit"`
	TotalConnections int64  `json:"total_connections"`
	TotalLimit       int    `json:"total_limit"`
}

func (c *Controller) userPoolKey(userID string) string { return userPoolPrefix + userID }

// CanCreateConnection checks the per-user and global connection ceilings.
// The counts are read-only here; the caller claims membership with
// AddConnection once the socket is actually established.
func (c *Controller) CanCreateConnection(ctx context.Context, userID string) (bool, PoolInfo) {
	info := PoolInfo{
		UserLimit:  c.conf.MaxConnectionsPerUser,
		TotalLimit: c.conf.MaxTotalConnections,
	}

	opCtx, cancel := context.WithTimeout(ctx, c.conf.OpTimeout)
	defer cancel()

	userCount, err := c.store.SCard(opCtx, c.userPoolKey(userID))
	if err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
		info.Allowed = true
		return true, info
	}
	info.UserConnections = userCount
	if userCount >= int64(c.conf.MaxConnectionsPerUser) {
		info.Reason = ReasonUserPoolFull
		return false, info
	}

	total, err := c.store.SCard(opCtx, globalPoolKey)
	if err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
		info.Allowed = true
		return true, info
	}
	info.TotalConnections = total
	if total >= int64(c.conf.MaxTotalConnections) {
		info.Reason = ReasonTotalPoolFull
		return false, info
	}

	info.Allowed = true
	return true, info
}

// AddConnection records connID in the user's pool set and the global set.
// Both sets carry a short TTL so entries orphaned by a crashed gateway age
// out instead of pinning the ceiling forever.
func (c *Controller) AddConnection(ctx context.Context, userID, connID string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.conf.OpTimeout)
	defer cancel()

	if err := c.store.SAdd(opCtx, c.userPoolKey(userID), connID, c.conf.PoolTTL); err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
		return err
	}
	if err := c.store.SAdd(opCtx, globalPoolKey, connID, c.conf.PoolTTL); err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
		return err
	}
	logger.Debug("[admission] pool add", zap.String("user", userID), zap.String("conn", connID))
	return nil
}

// RemoveConnection drops connID from both pool sets. Best effort: TTL covers
// whatever a failed removal leaves behind.
func (c *Controller) RemoveConnection(ctx context.Context, userID, connID string) {
	opCtx, cancel := context.WithTimeout(ctx, c.conf.OpTimeout)
	defer cancel()

	if err := c.store.SRem(opCtx, c.userPoolKey(userID), connID); err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
	}
	if err := c.store.SRem(opCtx, globalPoolKey, connID); err != nil {
		c.policy.Report(degrade.ComponentAdmission, err)
	}
}

// PoolStatus reports global pool occupancy for the status endpoint.
func (c *Controller) PoolStatus(ctx context.Context) PoolInfo {
	info := PoolInfo{
		Allowed:    true,
		UserLimit:  c.conf.MaxConnectionsPerUser,
		TotalLimit: c.conf.MaxTotalConnections,
	}
	opCtx, cancel := context.WithTimeout(ctx, c.conf.OpTimeout)
	defer cancel()
	if total, err := c.store.SCard(opCtx, globalPoolKey); err == nil {
		info.TotalConnections = total
	}
	return info
}
