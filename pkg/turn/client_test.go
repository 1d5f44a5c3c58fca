package turn

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/rtcore/pkg/stun"
	"github.com/ethan/rtcore/pkg/wire"
)

// fakeServer replies 401 (NONCE/REALM, no credentials yet) to the first
// Allocate it sees and a success response (with XOR-RELAYED-ADDRESS) to
// the first authenticated retry.
func fakeServer(t *testing.T, pc net.PacketConn, username, realm, password string) {
	t.Helper()
	buf := make([]byte, 1500)
	challenged := false
	for i := 0; i < 2; i++ {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := stun.Decode(buf[:n])
		require.NoError(t, err)

		if !challenged {
			challenged = true
			resp := &stun.Message{
				Type:          stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
				TransactionID: req.TransactionID,
			}
			resp.Add(stun.AttrErrorCode, stun.EncodeErrorCode(stun.CodeUnauthorised, "Unauthorized"))
			resp.Add(stun.AttrNonce, []byte("n0nc3"))
			resp.Add(stun.AttrRealm, []byte(realm))
			raw, err := stun.Encode(resp)
			require.NoError(t, err)
			_, err = pc.WriteTo(raw, addr)
			require.NoError(t, err)
			continue
		}

		// Second request must be authenticated.
		_, hasUser := req.Get(stun.AttrUsername)
		_, hasNonce := req.Get(stun.AttrNonce)
		_, hasMI := req.Get(stun.AttrMessageIntegrity)
		require.True(t, hasUser)
		require.True(t, hasNonce)
		require.True(t, hasMI)

		key := wire.LongTermKey(username, realm, password)
		ok, err := stun.VerifyMessageIntegrity(buf[:n], key)
		require.NoError(t, err)
		require.True(t, ok)

		resp := &stun.Message{
			Type:          stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
			TransactionID: req.TransactionID,
		}
		relay := netip.MustParseAddr("203.0.113.5")
		resp.Add(stun.AttrXORRelayedAddress, stun.EncodeXORAddress(relay, 55000, req.TransactionID))
		resp.Add(stun.AttrLifetime, stun.EncodeLifetime(600))
		raw, err := stun.Encode(resp)
		require.NoError(t, err)
		_, err = pc.WriteTo(raw, addr)
		require.NoError(t, err)
		return
	}
}

func TestAllocateWithCredentials(t *testing.T) {
	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverPC.Close()
	serverAddr := netip.MustParseAddrPort(serverPC.LocalAddr().String())

	go fakeServer(t, serverPC, "alice", "example.com", "hunter2")

	clientPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientPC.Close()

	client := New("turn:example.com", serverAddr, Credentials{Username: "alice", Password: "hunter2"}, clientPC, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	relay, err := client.GetRelayEndpoint(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5", relay.Addr().String())
	require.Equal(t, uint16(55000), relay.Port())
	require.Equal(t, StateAllocated, client.State())
}
