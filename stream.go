// SPDX-License-Identifier: GPL-3.0-or-later

//
// Application-facing stream adapter.
//

package lrcp

import (
	"io"
	"net"
)

// Stream is the application-facing handle of an LRCP session.
//
// Reads return application bytes strictly in order and report [io.EOF]
// once the session is closed and all delivered bytes are consumed.
// Writes are accepted into the session's retransmission buffer and
// return without waiting for a network round trip: reliability is
// handled by the session in the background.
//
// A [*Stream] is meant for one reading and one writing goroutine;
// concurrent readers are not supported.
//
// The zero value is invalid; streams come from [*Listener.Accept].
type Stream struct {
	// s is the session this stream adapts.
	s *session

	// readBuf holds the remainder of a partially consumed chunk.
	readBuf []byte
}

// Ensure [*Stream] implements [io.ReadWriteCloser].
var _ io.ReadWriteCloser = &Stream{}

// Read implements [io.Reader].
func (st *Stream) Read(buf []byte) (int, error) {
	if len(st.readBuf) == 0 {
		chunk, ok := <-st.s.rx
		if !ok {
			return 0, io.EOF
		}
		st.readBuf = chunk
	}
	count := copy(buf, st.readBuf)
	st.readBuf = st.readBuf[count:]
	return count, nil
}

// Write implements [io.Writer]. The data is copied, so the caller may
// reuse the buffer immediately. Write returns [net.ErrClosed] once the
// session is closed.
func (st *Stream) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	// Check for teardown first: the writes channel may still have
	// room after the session is gone.
	select {
	case <-st.s.eof:
		return 0, net.ErrClosed
	default:
	}
	select {
	case st.s.writes <- append([]byte{}, data...):
		return len(data), nil
	case <-st.s.eof:
		return 0, net.ErrClosed
	}
}

// Close closes the stream: the session sends a close packet to the
// peer and tears itself down. Close never blocks and is idempotent.
func (st *Stream) Close() error {
	st.s.closeApp()
	return nil
}

// SessionID returns the numeric session identifier.
func (st *Stream) SessionID() uint64 {
	return st.s.id
}

// LocalAddr returns the local address of the shared socket.
func (st *Stream) LocalAddr() net.Addr {
	return st.s.laddr
}

// RemoteAddr returns the peer address bound at connect time.
func (st *Stream) RemoteAddr() net.Addr {
	return st.s.peer
}
