package turn

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/ethan/rtcore/pkg/stun"
)

// CreatePermission installs a permission for peer on the allocation,
// required before SendIndication to a new peer. The permission
// lifetime is implicit and server-controlled (typically 5 minutes);
// RefreshPermissions below re-issues it on a ~4 minute cadence.
func (c *Client) CreatePermission(ctx context.Context, peer netip.Addr) error {
	msg := c.newRequest(stun.MethodCreatePermission)
	msg.Add(stun.AttrXORPeerAddress, stun.EncodeXORAddress(peer, 0, msg.TransactionID))
	c.attachCredentialsIfKnown(msg)

	resp, err := c.roundTrip(ctx, msg)
	if err != nil {
		return err
	}
	if resp.Type.Class() == stun.ClassErrorResponse {
		if err := c.handleErrorResponse(resp, true); err != nil {
			return fmt.Errorf("turn: create-permission: %w", err)
		}
	}

	ap := netip.AddrPortFrom(peer, 0)
	c.mu.Lock()
	c.peers[ap] = time.Now().Add(permissionRefreshInterval)
	c.mu.Unlock()
	return nil
}

// RefreshPermissions re-issues CreatePermission for every peer whose
// permission is due, on the order of every 4 minutes. Intended to be
// called periodically from the owner's housekeeping loop.
func (c *Client) RefreshPermissions(ctx context.Context) {
	c.mu.Lock()
	due := make([]netip.Addr, 0)
	now := time.Now()
	for ap, expiry := range c.peers {
		if now.After(expiry) {
			due = append(due, ap.Addr())
		}
	}
	c.mu.Unlock()

	for _, addr := range due {
		if err := c.CreatePermission(ctx, addr); err != nil {
			c.log.DebugTURN("permission refresh failed", "peer", addr, "error", err)
		}
	}
}

// Refresh sends a Refresh request. A zero lifetime deletes the
// allocation; otherwise allocationLifetime (600s) is requested. Refresh
// is a no-op (returns nil immediately) unless the allocation is within
// refreshWindow of expiring — callers that want
// to force a refresh (e.g. explicit teardown) should call refreshNow.
func (c *Client) Refresh(ctx context.Context) error {
	c.server.mu.Lock()
	due := time.Until(c.server.ttlExpiry) <= refreshWindow
	c.server.mu.Unlock()
	if !due {
		return nil
	}
	return c.refreshNow(ctx, allocationLifetime)
}

// Release deletes the allocation by sending Refresh with LIFETIME=0.
func (c *Client) Release(ctx context.Context) error {
	err := c.refreshNow(ctx, 0)
	c.setState(StateReleased)
	return err
}

func (c *Client) refreshNow(ctx context.Context, lifetimeSeconds uint32) error {
	msg := c.newRequest(stun.MethodRefresh)
	msg.Add(stun.AttrLifetime, stun.EncodeLifetime(lifetimeSeconds))
	c.attachCredentialsIfKnown(msg)

	resp, err := c.roundTrip(ctx, msg)
	if err != nil {
		return err
	}
	if resp.Type.Class() == stun.ClassErrorResponse {
		// A stale-nonce/401 on refresh re-runs the credential-attachment
		// path (fresh nonce/realm, fresh transaction ID) before the next
		// Refresh call retries.
		return c.handleErrorResponse(resp, true)
	}

	if lifetimeSeconds == 0 {
		return nil
	}
	lifetime := lifetimeSeconds
	if lifeAttr, ok := resp.Get(stun.AttrLifetime); ok {
		lifetime = stun.DecodeLifetime(lifeAttr.Value)
	}
	c.server.mu.Lock()
	c.server.ttlExpiry = time.Now().Add(time.Duration(lifetime) * time.Second)
	c.server.mu.Unlock()
	return nil
}
