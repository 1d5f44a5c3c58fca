package rtsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestContentLengthFraming checks that a single OPTIONS request with a
// 4-byte body yields one message with no residual.
func TestContentLengthFraming(t *testing.T) {
	raw := "OPTIONS rtsp://x/ RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 4\r\n\r\nPING"

	msgs, consumed, skipped, needMore, err := ParseStream([]byte(raw))
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.False(t, needMore)
	require.Len(t, msgs, 1)
	require.Equal(t, "PING", string(msgs[0].Body))
	require.Equal(t, len(raw), consumed)
}

// TestFramingByteAtATime feeds the same message one byte at a time and
// checks the result equals feeding it whole.
func TestFramingByteAtATime(t *testing.T) {
	raw := []byte("OPTIONS rtsp://x/ RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 4\r\n\r\nPING")

	var buf []byte
	var got []*Message
	for _, b := range raw {
		buf = append(buf, b)
		msgs, consumed, _, _, err := ParseStream(buf)
		require.NoError(t, err)
		got = append(got, msgs...)
		buf = buf[consumed:]
	}

	whole, _, _, _, err := ParseStream(raw)
	require.NoError(t, err)
	require.Len(t, got, len(whole))
	for i := range whole {
		require.Equal(t, whole[i].Method, got[i].Method)
		require.Equal(t, whole[i].Body, got[i].Body)
	}
}

func TestHeaderContinuationFolding(t *testing.T) {
	raw := "DESCRIBE rtsp://x/ RTSP/1.0\r\n" +
		"CSeq: 1\r\n" +
		"Transport: RTP/AVP;unicast;\r\n" +
		" client_port=4588-4589\r\n" +
		"\r\n"

	msgs, _, _, _, err := ParseStream([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v, ok := msgs[0].Header("Transport")
	require.True(t, ok)
	require.Equal(t, "RTP/AVP;unicast; client_port=4588-4589", v)
}

func TestParseStreamSkipsNATKeepaliveBytes(t *testing.T) {
	raw := "\x00\x00OPTIONS rtsp://x/ RTSP/1.0\r\nCSeq: 1\r\n\r\n"
	msgs, consumed, skipped, _, err := ParseStream([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 2, skipped)
	require.Len(t, msgs, 1)
	require.Equal(t, len(raw), consumed)
}

func TestParseStreamNeedsMoreForPartialBody(t *testing.T) {
	raw := "OPTIONS rtsp://x/ RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 4\r\n\r\nPI"
	msgs, consumed, _, needMore, err := ParseStream([]byte(raw))
	require.NoError(t, err)
	require.True(t, needMore)
	require.Empty(t, msgs)
	require.Zero(t, consumed)
}

func TestParseTransportHeaderRecognisedAndDiscardedTokens(t *testing.T) {
	th := ParseTransportHeader("RTP/AVP/UDP;unicast;client_port=4588-4589;ssrc=1234ABCD")
	require.Equal(t, "RTP/AVP/UDP", th.Specifier)
	require.Equal(t, "unicast", th.Broadcast)
	require.Equal(t, "4588-4589", th.Params["client_port"])
	require.Contains(t, th.Discarded, "ssrc=1234ABCD")
}

func TestPortRange(t *testing.T) {
	lo, hi, err := PortRange("4588-4589")
	require.NoError(t, err)
	require.Equal(t, 4588, lo)
	require.Equal(t, 4589, hi)
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	req := &Message{
		Type:    TypeRequest,
		Method:  "OPTIONS",
		URL:     "rtsp://x/",
		Version: "RTSP/1.0",
		Headers: map[string]string{"CSeq": "1"},
	}
	raw := req.Marshal()

	msgs, _, _, _, err := ParseStream(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "OPTIONS", msgs[0].Method)
	require.Equal(t, "1", msgs[0].Headers["CSeq"])
}
