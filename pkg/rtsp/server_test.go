package rtsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSessionPruneAfterInactivity checks that a session idle on both
// channels for longer than sessionIdleLimit, with DontTimeout false,
// matches the idle predicate pruneSessions removes sessions by.
func TestSessionPruneAfterInactivity(t *testing.T) {
	sess := NewSession("cam-1", 12345, 30000, 30001)
	sess.rtpLastActivity = time.Now().Add(-90 * time.Second)
	sess.ctlLastActivity = time.Now().Add(-90 * time.Second)

	require.True(t, sess.idle(time.Now()))
}

func TestSessionNotPrunedWhenDontTimeoutSet(t *testing.T) {
	sess := NewSession("cam-1", 12345, 30000, 30001)
	sess.DontTimeout = true
	sess.rtpLastActivity = time.Now().Add(-10 * time.Minute)
	sess.ctlLastActivity = time.Now().Add(-10 * time.Minute)

	require.False(t, sess.idle(time.Now()))
}

func TestSessionNotPrunedWhenOneChannelRecentlyActive(t *testing.T) {
	sess := NewSession("cam-1", 12345, 30000, 30001)
	sess.rtpLastActivity = time.Now().Add(-90 * time.Second)
	sess.ctlLastActivity = time.Now()

	require.False(t, sess.idle(time.Now()))
}

func TestClosedSessionIsAlwaysIdle(t *testing.T) {
	sess := NewSession("cam-1", 12345, 30000, 30001)
	sess.DontTimeout = true
	sess.MarkClosed()

	require.True(t, sess.idle(time.Now()))
}
