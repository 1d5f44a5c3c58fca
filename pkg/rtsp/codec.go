// Package rtsp implements the RTSP peer: message framing (this file),
// a DESCRIBE/SETUP/PLAY client over RtpSession's UDP transport
// (client.go), and a listening connection manager with a session
// registry and prune timers (server.go).
package rtsp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxRequestSize bounds a single RTSP request.
const MaxRequestSize = 4096

// MessageType distinguishes a parsed RtspMessage's first line.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeResponse
)

// Message is a parsed RTSP request or response: first line, folded
// headers, and a Content-Length-framed body. Raw retains the bytes the
// message was parsed from, mirroring the data model's raw_buffer field.
type Message struct {
	Type MessageType

	Method  string
	URL     string
	Version string

	StatusCode int
	Reason     string

	Headers map[string]string
	Body    []byte
	Raw     []byte
}

// Header looks up a header case-insensitively, the way RTSP/HTTP
// header names are matched.
func (m *Message) Header(name string) (string, bool) {
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (m *Message) contentLength() int {
	v, ok := m.Header("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Marshal serialises m back to wire bytes. Requests and responses are
// both supported; Headers are written in map iteration order since
// RTSP does not assign significance to header ordering.
func (m *Message) Marshal() []byte {
	var b bytes.Buffer
	switch m.Type {
	case TypeRequest:
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.URL, orDefault(m.Version, "RTSP/1.0"))
	case TypeResponse:
		fmt.Fprintf(&b, "%s %d %s\r\n", orDefault(m.Version, "RTSP/1.0"), m.StatusCode, m.Reason)
	default:
		return nil
	}
	for k, v := range m.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if len(m.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(m.Body))
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ParseError reports a malformed RTSP message, carrying enough of the
// offending line to log without re-deriving the parse.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rtsp: parse error: %s (line %q)", e.Reason, e.Line)
}

// ParseStream scans buf for as many complete RTSP messages as it
// contains and reports how many bytes were consumed, following a
// stream-parser shape where the caller owns the buffer and only needs
// to shift the unconsumed tail, rather than a manual peek/discard loop.
//
// Leading bytes below ASCII 65 ('A') are NAT keepalives (no RTSP
// method starts below that range); they are counted in skipped and
// dropped rather than treated as the start of a message.
func ParseStream(buf []byte) (messages []*Message, consumed int, skipped int, needMore bool, err error) {
	for {
		rest := buf[consumed:]
		lead := 0
		for lead < len(rest) && rest[lead] < 'A' {
			lead++
		}
		if lead > 0 {
			consumed += lead
			skipped += lead
			rest = buf[consumed:]
		}
		if len(rest) == 0 {
			return messages, consumed, skipped, false, nil
		}

		idx := bytes.Index(rest, []byte("\r\n\r\n"))
		if idx < 0 {
			if len(rest) > MaxRequestSize {
				return messages, consumed, skipped, false, &ParseError{Reason: "request exceeds MaxRequestSize without header terminator"}
			}
			return messages, consumed, skipped, true, nil
		}

		headEnd := idx + 4
		msg, perr := parseHeadBlock(rest[:headEnd])
		if perr != nil {
			return messages, consumed, skipped, false, perr
		}

		bodyLen := msg.contentLength()
		if headEnd+bodyLen > len(rest) {
			return messages, consumed, skipped, true, nil
		}

		msg.Body = append([]byte(nil), rest[headEnd:headEnd+bodyLen]...)
		msg.Raw = append([]byte(nil), rest[:headEnd+bodyLen]...)
		messages = append(messages, msg)
		consumed += headEnd + bodyLen
	}
}

// parseHeadBlock parses the first line plus folded headers out of
// block, which must end in "\r\n\r\n".
func parseHeadBlock(block []byte) (*Message, error) {
	text := strings.TrimSuffix(string(block), "\r\n\r\n")
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, &ParseError{Reason: "empty first line"}
	}

	folded := foldContinuations(lines[1:])

	msg := &Message{Headers: make(map[string]string, len(folded))}
	if err := parseFirstLine(msg, lines[0]); err != nil {
		return nil, err
	}
	for _, line := range folded {
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		msg.Headers[key] = val
	}
	return msg, nil
}

// foldContinuations joins a header line beginning with whitespace onto
// the previous header's value, per RFC 2326's multi-line header folding.
func foldContinuations(lines []string) []string {
	var out []string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] = out[len(out)-1] + " " + strings.TrimSpace(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

func parseFirstLine(msg *Message, line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return &ParseError{Reason: "malformed first line", Line: line}
	}
	if strings.HasPrefix(parts[0], "RTSP/") {
		msg.Type = TypeResponse
		msg.Version = parts[0]
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return &ParseError{Reason: "bad status code", Line: line}
		}
		msg.StatusCode = code
		if len(parts) == 3 {
			msg.Reason = parts[2]
		}
		return nil
	}
	if len(parts) < 3 {
		msg.Type = TypeUnknown
		return nil
	}
	msg.Type = TypeRequest
	msg.Method = parts[0]
	msg.URL = parts[1]
	msg.Version = parts[2]
	return nil
}

// TransportHeader is the parsed form of the RTSP Transport header: a
// semicolon-separated transport-specifier and broadcast-type followed
// by a fixed set of recognised name=value tokens. Unrecognised tokens
// are kept in Discarded rather than Params.
type TransportHeader struct {
	Specifier string
	Broadcast string
	Params    map[string]string
	Discarded []string
}

var recognisedTransportParams = map[string]bool{
	"destination": true,
	"source":      true,
	"port":        true,
	"client_port": true,
	"server_port": true,
	"mode":        true,
}

// ParseTransportHeader parses one Transport header value (only the
// first candidate of a comma-separated list, which is all this module
// needs — a unicast client never offers alternatives to choose among).
func ParseTransportHeader(raw string) TransportHeader {
	th := TransportHeader{
		Specifier: "RTP/AVP/UDP",
		Broadcast: "unicast",
		Params:    make(map[string]string),
	}
	if idx := strings.IndexByte(raw, ','); idx >= 0 {
		raw = raw[:idx]
	}
	tokens := strings.Split(raw, ";")
	if len(tokens) > 0 && tokens[0] != "" {
		th.Specifier = tokens[0]
		tokens = tokens[1:]
	}
	if len(tokens) > 0 && (tokens[0] == "unicast" || tokens[0] == "multicast") {
		th.Broadcast = tokens[0]
		tokens = tokens[1:]
	}
	for _, t := range tokens {
		if t == "" {
			continue
		}
		key, val, _ := strings.Cut(t, "=")
		if recognisedTransportParams[key] {
			th.Params[key] = val
		} else {
			th.Discarded = append(th.Discarded, t)
		}
	}
	return th
}

// String renders th back into a Transport header value.
func (th TransportHeader) String() string {
	var b strings.Builder
	b.WriteString(th.Specifier)
	b.WriteString(";")
	b.WriteString(th.Broadcast)
	for _, k := range []string{"destination", "source", "port", "client_port", "server_port", "mode"} {
		if v, ok := th.Params[k]; ok {
			b.WriteString(";")
			b.WriteString(k)
			if v != "" {
				b.WriteString("=")
				b.WriteString(v)
			}
		}
	}
	return b.String()
}

// PortRange splits a "lo-hi" param value (client_port/server_port) into
// two integers.
func PortRange(v string) (lo, hi int, err error) {
	parts := strings.SplitN(v, "-", 2)
	lo, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("rtsp: bad port range %q: %w", v, err)
	}
	if len(parts) == 2 {
		hi, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("rtsp: bad port range %q: %w", v, err)
		}
	} else {
		hi = lo + 1
	}
	return lo, hi, nil
}
