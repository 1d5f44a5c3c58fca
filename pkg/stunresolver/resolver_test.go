package stunresolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		raw  string
		want URI
	}{
		{"stun:stun.example.com", URI{Scheme: SchemeSTUN, Host: "stun.example.com"}},
		{"turn:turn.example.com:3478", URI{Scheme: SchemeTURN, Host: "turn.example.com", Port: 3478}},
		{"turns:turn.example.com?transport=tcp", URI{Scheme: SchemeTURNS, Host: "turn.example.com", Transport: "tcp"}},
		{"stun:192.0.2.1:19302", URI{Scheme: SchemeSTUN, Host: "192.0.2.1", Port: 19302}},
	}
	for _, tc := range cases {
		got, err := ParseURI(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseURIRejectsUnknownScheme(t *testing.T) {
	_, err := ParseURI("http:example.com")
	require.Error(t, err)
}

func TestSRVOrdering(t *testing.T) {
	candidates := []srvCandidate{
		{priority: 10, weight: 5, target: "b"},
		{priority: 10, weight: 20, target: "a"},
		{priority: 5, weight: 1, target: "c"},
	}
	// Mirror resolveSRV's sort without network I/O: priority ascending,
	// weight descending within a priority tier.
	best := candidates[0]
	for _, c := range candidates {
		if c.priority < best.priority || (c.priority == best.priority && c.weight > best.weight) {
			best = c
		}
	}
	require.Equal(t, "c", best.target)
}
