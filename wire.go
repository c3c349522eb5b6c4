// SPDX-License-Identifier: GPL-3.0-or-later

//
// LRCP wire codec.
//

package lrcp

import (
	"errors"
	"strconv"

	"github.com/rbmk-project/common/runtimex"
)

// MaxPacketSize is the maximum size of a serialized LRCP packet.
const MaxPacketSize = 1000

// maxFieldValue bounds every numeric field (exclusive).
const maxFieldValue = 1 << 31

// MsgType is the type of an LRCP [*Message].
type MsgType int

const (
	// MsgConnect is the `/connect/SESSION/` message.
	MsgConnect = MsgType(iota)

	// MsgData is the `/data/SESSION/POS/DATA/` message.
	MsgData

	// MsgAck is the `/ack/SESSION/LENGTH/` message.
	MsgAck

	// MsgClose is the `/close/SESSION/` message.
	MsgClose
)

// String returns the wire name of the message type.
func (mt MsgType) String() string {
	switch mt {
	case MsgConnect:
		return "connect"
	case MsgData:
		return "data"
	case MsgAck:
		return "ack"
	case MsgClose:
		return "close"
	default:
		return "unknown"
	}
}

// Message is a parsed LRCP packet.
//
// All numeric fields are strictly smaller than 2^31. The Payload
// field contains unescaped application bytes: escaping is a wire
// framing concern that never leaks above the codec.
type Message struct {
	// Type is the message type.
	Type MsgType

	// Session is the session identifier.
	Session uint64

	// Pos is the stream offset of the first payload byte. Only
	// meaningful for [MsgData].
	Pos uint64

	// Length is the cumulative ack length. Only meaningful for [MsgAck].
	Length uint64

	// Payload contains the unescaped application bytes carried
	// by a [MsgData] message.
	Payload []byte
}

// Errors returned by [ParseMessage]. Callers must drop the offending
// datagram silently: the protocol has no error reply.
var (
	// ErrPacketSize indicates a datagram larger than [MaxPacketSize].
	ErrPacketSize = errors.New("lrcp: packet exceeds maximum size")

	// ErrFraming indicates a packet not wrapped in unescaped slashes.
	ErrFraming = errors.New("lrcp: invalid packet framing")

	// ErrFieldCount indicates the wrong number of fields for the type.
	ErrFieldCount = errors.New("lrcp: wrong field count")

	// ErrUnknownType indicates an unrecognized message type field.
	ErrUnknownType = errors.New("lrcp: unknown message type")

	// ErrBadNumber indicates a non-numeric or out-of-bound numeric field.
	ErrBadNumber = errors.New("lrcp: invalid numeric field")

	// ErrBadEscape indicates an invalid escape sequence in the data field.
	ErrBadEscape = errors.New("lrcp: invalid escape sequence")
)

// ParseMessage parses a raw datagram into a [*Message].
//
// Any structural failure yields one of the errors defined above. The
// returned message does not alias the input buffer.
func ParseMessage(datagram []byte) (*Message, error) {
	if len(datagram) > MaxPacketSize {
		return nil, ErrPacketSize
	}
	fields, err := splitPacket(datagram)
	if err != nil {
		return nil, err
	}

	switch string(fields[0]) {
	case "connect":
		if len(fields) != 2 {
			return nil, ErrFieldCount
		}
		session, err := parseField(fields[1])
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgConnect, Session: session}, nil

	case "close":
		if len(fields) != 2 {
			return nil, ErrFieldCount
		}
		session, err := parseField(fields[1])
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgClose, Session: session}, nil

	case "ack":
		if len(fields) != 3 {
			return nil, ErrFieldCount
		}
		session, err := parseField(fields[1])
		if err != nil {
			return nil, err
		}
		length, err := parseField(fields[2])
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgAck, Session: session, Length: length}, nil

	case "data":
		if len(fields) != 4 {
			return nil, ErrFieldCount
		}
		session, err := parseField(fields[1])
		if err != nil {
			return nil, err
		}
		pos, err := parseField(fields[2])
		if err != nil {
			return nil, err
		}
		payload, err := unescapePayload(fields[3])
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgData, Session: session, Pos: pos, Payload: payload}, nil

	default:
		return nil, ErrUnknownType
	}
}

// Marshal serializes the [*Message] into wire format, escaping the
// payload of data messages. The caller must ensure beforehand that the
// resulting packet fits within [MaxPacketSize] by chunking large
// payloads: see [dataPayloadFit].
func (m *Message) Marshal() []byte {
	runtimex.Assert(m.Session < maxFieldValue, "session id out of bound")
	buf := append([]byte{}, '/')
	buf = append(buf, m.Type.String()...)
	buf = append(buf, '/')
	buf = strconv.AppendUint(buf, m.Session, 10)
	switch m.Type {
	case MsgData:
		runtimex.Assert(m.Pos < maxFieldValue, "data position out of bound")
		buf = append(buf, '/')
		buf = strconv.AppendUint(buf, m.Pos, 10)
		buf = append(buf, '/')
		buf = appendEscaped(buf, m.Payload)
	case MsgAck:
		runtimex.Assert(m.Length < maxFieldValue, "ack length out of bound")
		buf = append(buf, '/')
		buf = strconv.AppendUint(buf, m.Length, 10)
	}
	return append(buf, '/')
}

// splitPacket validates the outer framing and splits the packet into
// fields, honoring escape sequences so that a `\/` inside the data
// field does not terminate it.
func splitPacket(datagram []byte) ([][]byte, error) {
	if len(datagram) < 2 || datagram[0] != '/' || datagram[len(datagram)-1] != '/' {
		return nil, ErrFraming
	}
	inner := datagram[1 : len(datagram)-1]
	var (
		fields  [][]byte
		start   int
		escaped bool
	)
	for idx := 0; idx < len(inner); idx++ {
		switch {
		case escaped:
			escaped = false
		case inner[idx] == '\\':
			escaped = true
		case inner[idx] == '/':
			fields = append(fields, inner[start:idx])
			start = idx + 1
		}
	}
	// A trailing backslash would have escaped the closing delimiter.
	if escaped {
		return nil, ErrBadEscape
	}
	fields = append(fields, inner[start:])
	return fields, nil
}

// parseField parses a numeric field, rejecting empty fields, non-digit
// characters, and values not smaller than 2^31.
func parseField(field []byte) (uint64, error) {
	if len(field) < 1 || len(field) > 10 {
		return 0, ErrBadNumber
	}
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, ErrBadNumber
		}
	}
	value, err := strconv.ParseUint(string(field), 10, 64)
	if err != nil || value >= maxFieldValue {
		return 0, ErrBadNumber
	}
	return value, nil
}

// unescapePayload reverses [appendEscaped]. Only `\/` and `\\` are
// valid escape sequences; anything else is malformed.
func unescapePayload(field []byte) ([]byte, error) {
	out := make([]byte, 0, len(field))
	for idx := 0; idx < len(field); idx++ {
		c := field[idx]
		switch c {
		case '\\':
			idx++
			if idx >= len(field) || (field[idx] != '/' && field[idx] != '\\') {
				return nil, ErrBadEscape
			}
			c = field[idx]
		case '/':
			// Unreachable through [splitPacket] but kept so the
			// function is safe to call on arbitrary input.
			return nil, ErrBadEscape
		}
		out = append(out, c)
	}
	return out, nil
}

// appendEscaped appends payload bytes to buf, escaping delimiters.
func appendEscaped(buf, payload []byte) []byte {
	for _, c := range payload {
		if c == '/' || c == '\\' {
			buf = append(buf, '\\')
		}
		buf = append(buf, c)
	}
	return buf
}

// dataPayloadFit returns how many leading bytes of payload fit into a
// single data packet for the given session and position, such that the
// serialized packet, escaping included, does not exceed
// [MaxPacketSize]. The result is positive for nonempty payloads.
func dataPayloadFit(session, pos uint64, payload []byte) int {
	overhead := len("/data/") + digits(session) + 1 + digits(pos) + 1 + 1
	budget := MaxPacketSize - overhead
	var count, used int
	for _, c := range payload {
		cost := 1
		if c == '/' || c == '\\' {
			cost = 2
		}
		if used+cost > budget {
			break
		}
		used += cost
		count++
	}
	runtimex.Assert(len(payload) == 0 || count > 0, "packet budget cannot fit a single byte")
	return count
}

// digits returns the number of decimal digits of v.
func digits(v uint64) int {
	count := 1
	for v >= 10 {
		v /= 10
		count++
	}
	return count
}
