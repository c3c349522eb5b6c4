// SPDX-License-Identifier: GPL-3.0-or-later

package lrcp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	t.Run("valid packets", func(t *testing.T) {
		tests := []struct {
			input  string
			expect Message
		}{
			{"/connect/12345/", Message{Type: MsgConnect, Session: 12345}},
			{"/close/12345/", Message{Type: MsgClose, Session: 12345}},
			{"/ack/12345/42/", Message{Type: MsgAck, Session: 12345, Length: 42}},
			{"/data/12345/0/hello\n/", Message{
				Type: MsgData, Session: 12345, Payload: []byte("hello\n")}},
			{"/data/12345/0//", Message{
				Type: MsgData, Session: 12345, Payload: []byte{}}},
			{"/data/0/2147483647/x/", Message{
				Type: MsgData, Pos: 2147483647, Payload: []byte("x")}},
			{`/data/1/0/foo\/bar\\baz/`, Message{
				Type: MsgData, Session: 1, Payload: []byte(`foo/bar\baz`)}},
		}
		for _, tc := range tests {
			t.Run(tc.input, func(t *testing.T) {
				msg, err := ParseMessage([]byte(tc.input))
				require.NoError(t, err)
				assert.Equal(t, &tc.expect, msg)
			})
		}
	})

	t.Run("malformed packets", func(t *testing.T) {
		tests := []struct {
			name   string
			input  string
			expect error
		}{
			{"empty", "", ErrFraming},
			{"single slash", "/", ErrFraming},
			{"no leading slash", "connect/1/", ErrFraming},
			{"no trailing slash", "/connect/1", ErrFraming},
			{"escaped trailing slash", `/data/1/0/abc\/`, ErrBadEscape},
			{"unknown type", "/bogus/1/", ErrUnknownType},
			{"connect extra field", "/connect/1/2/", ErrFieldCount},
			{"close missing field", "/close/", ErrFieldCount},
			{"ack missing length", "/ack/1/", ErrFieldCount},
			{"data missing payload", "/data/1/0/", ErrFieldCount},
			{"data extra field", "/data/1/0/x/y/", ErrFieldCount},
			{"empty session", "/connect//", ErrBadNumber},
			{"negative number", "/ack/1/-2/", ErrBadNumber},
			{"non numeric", "/connect/abc/", ErrBadNumber},
			{"session at bound", "/connect/2147483648/", ErrBadNumber},
			{"session beyond bound", "/connect/99999999999/", ErrBadNumber},
			{"bad escape sequence", `/data/1/0/a\b/`, ErrBadEscape},
			{"oversized", "/data/1/0/" + strings.Repeat("x", 1000) + "/", ErrPacketSize},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				msg, err := ParseMessage([]byte(tc.input))
				assert.Nil(t, msg)
				assert.ErrorIs(t, err, tc.expect)
			})
		}
	})
}

func TestMessageRoundTrip(t *testing.T) {
	messages := []*Message{
		{Type: MsgConnect, Session: 0},
		{Type: MsgConnect, Session: 2147483647},
		{Type: MsgClose, Session: 7},
		{Type: MsgAck, Session: 7, Length: 1048576},
		{Type: MsgData, Session: 7, Pos: 3, Payload: []byte("eh\n")},
		{Type: MsgData, Session: 7, Pos: 0, Payload: []byte(`slashes / and \ backslashes`)},
		{Type: MsgData, Session: 7, Pos: 0, Payload: []byte{}},
	}
	for _, msg := range messages {
		parsed, err := ParseMessage(msg.Marshal())
		require.NoError(t, err)
		assert.Equal(t, msg, parsed)
	}
}

func TestEscapeInverse(t *testing.T) {
	inputs := []string{
		"plain text",
		"/",
		`\`,
		`\/`,
		`//\\//`,
		"mixed / text \\ with\ndelimiters/",
	}
	for _, input := range inputs {
		escaped := appendEscaped(nil, []byte(input))
		assert.False(t, bytes.ContainsAny(stripEscapes(escaped), "/"),
			"escaped form must not contain bare delimiters")
		unescaped, err := unescapePayload(escaped)
		require.NoError(t, err)
		assert.Equal(t, []byte(input), unescaped)
	}
}

// stripEscapes removes escape sequences so the remainder contains
// only bytes that appear unescaped on the wire.
func stripEscapes(data []byte) []byte {
	var out []byte
	for idx := 0; idx < len(data); idx++ {
		if data[idx] == '\\' {
			idx++
			continue
		}
		out = append(out, data[idx])
	}
	return out
}

func TestDataPayloadFit(t *testing.T) {
	t.Run("plain payload fills the budget", func(t *testing.T) {
		payload := bytes.Repeat([]byte("x"), 5000)
		count := dataPayloadFit(1, 0, payload)
		msg := &Message{Type: MsgData, Session: 1, Payload: payload[:count]}
		assert.LessOrEqual(t, len(msg.Marshal()), MaxPacketSize)
		// One more byte would not have fit.
		bigger := &Message{Type: MsgData, Session: 1, Payload: payload[:count+1]}
		assert.Greater(t, len(bigger.Marshal()), MaxPacketSize)
	})

	t.Run("escaping halves the budget", func(t *testing.T) {
		payload := bytes.Repeat([]byte("/"), 5000)
		count := dataPayloadFit(12345, 67890, payload)
		msg := &Message{
			Type: MsgData, Session: 12345, Pos: 67890, Payload: payload[:count]}
		assert.LessOrEqual(t, len(msg.Marshal()), MaxPacketSize)
		bigger := &Message{
			Type: MsgData, Session: 12345, Pos: 67890, Payload: payload[:count+1]}
		assert.Greater(t, len(bigger.Marshal()), MaxPacketSize)
	})

	t.Run("small payload fits whole", func(t *testing.T) {
		assert.Equal(t, 6, dataPayloadFit(1, 0, []byte("hello\n")))
	})
}
