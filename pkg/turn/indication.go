package turn

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/ethan/rtcore/pkg/stun"
)

// SendIndication wraps payload for peer in a TURN Send indication
// (XOR-PEER-ADDRESS + DATA, ) and writes it to the relay
// server. Indications carry no transaction response and are not
// retransmitted.
func (c *Client) SendIndication(peer netip.AddrPort, payload []byte) error {
	tid := stun.NewTransactionID()
	msg := &stun.Message{Type: stun.NewType(stun.MethodSend, stun.ClassIndication), TransactionID: tid}
	msg.Add(stun.AttrXORPeerAddress, stun.EncodeXORAddress(peer.Addr(), peer.Port(), tid))
	msg.Add(stun.AttrData, payload)

	raw, err := stun.Encode(msg)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteTo(raw, net.UDPAddrFromAddrPort(c.server.ServerEP))
	return err
}

// handleDataIndication unwraps an inbound Data indication (the
// relay-server-to-client direction of a DataIndication)
// and delivers (peer, payload) to OnData.
func (c *Client) handleDataIndication(msg *stun.Message) error {
	peerAttr, ok := msg.Get(stun.AttrXORPeerAddress)
	if !ok {
		return fmt.Errorf("turn: data indication missing XOR-PEER-ADDRESS")
	}
	addr, port, err := stun.DecodeXORAddress(peerAttr.Value, msg.TransactionID)
	if err != nil {
		return err
	}
	dataAttr, ok := msg.Get(stun.AttrData)
	if !ok {
		return fmt.Errorf("turn: data indication missing DATA")
	}
	if c.OnData != nil {
		c.OnData(netip.AddrPortFrom(addr, port), dataAttr.Value)
	}
	return nil
}

// RunReceiveLoop reads indications and out-of-band responses off the
// allocation socket until the socket is closed or done is closed. It is
// meant to run in its own goroutine for the lifetime of the allocation;
// Data indications are dispatched to OnData, everything else (stray
// responses to requests the roundTrip caller already gave up on) is
// logged and discarded.
func (c *Client) RunReceiveLoop(done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			c.log.DebugTURN("receive loop read error", "error", err)
			return
		}
		msg, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}
		if msg.Type.Method() == stun.MethodData && msg.Type.Class() == stun.ClassIndication {
			if err := c.handleDataIndication(msg); err != nil {
				c.log.DebugTURN("data indication decode failed", "error", err)
			}
			continue
		}
		c.log.DebugTURN("unsolicited stun message in receive loop", "method", msg.Type.Method())
	}
}
