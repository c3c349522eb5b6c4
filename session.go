// SPDX-License-Identifier: GPL-3.0-or-later

//
// Per-session reliability state machine.
//

package lrcp

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rbmk-project/common/runtimex"
)

// session is the reliability state machine for one logical connection.
//
// A session runs as a single goroutine whose only suspension point is
// awaiting the next event: an inbound message routed by the listener,
// an application write, a timer firing, or room opening in the receive
// channel. All mutable state below the channels is owned by that
// goroutine, so there is no locking.
type session struct {
	// id is the session identifier.
	id uint64

	// laddr is the local socket address.
	laddr net.Addr

	// peer is the peer address bound at connect time.
	peer net.Addr

	// cfg holds the resolved listener configuration.
	cfg ListenConfig

	// lnEOF unblocks every channel operation on listener shutdown.
	lnEOF <-chan struct{}

	// out delivers outbound packets to the listener's write loop.
	out chan<- outPacket

	// unregister tells the demux loop this session is gone.
	unregister chan<- *session

	// events carries inbound messages routed to this session.
	events chan *Message

	// writes carries application writes.
	writes chan []byte

	// rx carries in-order application bytes towards the [*Stream];
	// closed by the session goroutine on termination.
	rx chan []byte

	// appClose is closed when the application closes the [*Stream].
	appClose     chan struct{}
	appCloseOnce sync.Once

	// eof is closed when the session reaches the Closed state.
	eof     chan struct{}
	eofOnce sync.Once

	// State owned by the run goroutine.

	// inPos is the next expected inbound byte offset.
	inPos uint64

	// outPos counts the bytes handed to the wire so far.
	outPos uint64

	// ackedOut counts the bytes the peer has confirmed.
	ackedOut uint64

	// pending buffers sent-but-unacked bytes; its length is always
	// exactly outPos - ackedOut.
	pending []byte

	// delivery queues accepted chunks not yet handed to rx, so the
	// event loop never blocks on a slow reader.
	delivery [][]byte

	// retries counts consecutive retransmissions without ack progress.
	retries int
}

// newSession creates a session bound to the given peer address. The
// caller must start the state machine with `go sess.run()`.
func newSession(ln *Listener, id uint64, peer net.Addr) *session {
	return &session{
		id:         id,
		laddr:      ln.conn.LocalAddr(),
		peer:       peer,
		cfg:        ln.cfg,
		lnEOF:      ln.eof,
		out:        ln.outbound,
		unregister: ln.unregister,
		events:     make(chan *Message, eventBacklog),
		writes:     make(chan []byte, writeBacklog),
		rx:         make(chan []byte, recvBacklog),
		appClose:   make(chan struct{}),
		eof:        make(chan struct{}),
	}
}

const (
	// eventBacklog bounds inbound messages queued per session. The
	// demux loop drops on overflow, which is protocol-safe because
	// the peer retransmits.
	eventBacklog = 128

	// writeBacklog bounds queued application writes.
	writeBacklog = 16

	// recvBacklog bounds payload chunks queued towards the stream.
	recvBacklog = 128

	// deliveryBacklog bounds accepted chunks awaiting room in rx.
	// Beyond recvBacklog+deliveryBacklog unread chunks the session
	// stops accepting data and re-acks the unchanged position, so
	// the peer retransmits once the reader catches up.
	deliveryBacklog = 32
)

// run is the session event loop: Open until a terminal event, then
// Closed. It never suspends mid-transition.
func (s *session) run() {
	defer s.terminate()

	// Retransmit timer, armed only while pending is nonempty.
	retx := time.NewTimer(s.cfg.RetransmitInterval)
	if !retx.Stop() {
		<-retx.C
	}
	armed := false
	defer retx.Stop()

	// Idle timer, reset on every network event.
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	// Acknowledge the connect that created us.
	s.sendAck()

	for {
		select {
		case msg := <-s.events:
			resetTimer(idle, s.cfg.IdleTimeout)
			switch msg.Type {
			case MsgConnect:
				// Idempotent reconnect: re-ack, reset nothing.
				s.sendAck()

			case MsgData:
				if !s.onData(msg) {
					return
				}

			case MsgAck:
				if !s.onAck(msg, retx, &armed) {
					return
				}

			case MsgClose:
				s.maybeLog("lrcpPeerClose")
				s.sendClose()
				return
			}

		case s.rxReady() <- s.rxHead():
			s.delivery = s.delivery[1:]

		case data := <-s.writes:
			if s.outPos+uint64(len(data)) >= maxFieldValue {
				s.maybeLog("lrcpPositionOverflow",
					slog.Uint64("outPos", s.outPos),
					slog.Int("writeBytes", len(data)))
				s.sendClose()
				return
			}
			s.pending = append(s.pending, data...)
			s.sendData(s.outPos, data)
			s.outPos += uint64(len(data))
			if !armed {
				resetTimer(retx, s.cfg.RetransmitInterval)
				armed = true
			}

		case <-retx.C:
			armed = false
			if len(s.pending) == 0 {
				continue
			}
			s.retries++
			if s.retries > s.cfg.MaxRetransmits {
				s.maybeLog("lrcpRetransmitExhausted", slog.Int("retries", s.retries))
				s.sendClose()
				return
			}
			s.maybeLog("lrcpRetransmit",
				slog.Uint64("pos", s.ackedOut),
				slog.Int("pendingBytes", len(s.pending)))
			s.sendData(s.ackedOut, s.pending)
			resetTimer(retx, s.cfg.RetransmitInterval)
			armed = true

		case <-idle.C:
			s.maybeLog("lrcpIdleTimeout")
			s.sendClose()
			return

		case <-s.appClose:
			s.sendClose()
			return

		case <-s.lnEOF:
			// Listener shutdown abandons in-flight sessions.
			return
		}
	}
}

// onData handles an inbound data message. Only strictly in-order data
// advances inPos and reaches the application; duplicates and gaps just
// re-ack the unchanged position so the peer resends from the true
// offset. It returns false when accepting the data would push inPos
// past the largest representable wire position, in which case the
// session must close.
//
// Accepted chunks land in the delivery queue rather than directly in
// rx: delivery to the application happens as a case of the run loop's
// select, so a slow reader never parks the event loop. When the queue
// is full the data is simply not accepted.
func (s *session) onData(msg *Message) bool {
	if msg.Pos == s.inPos && len(msg.Payload) > 0 {
		if s.inPos+uint64(len(msg.Payload)) >= maxFieldValue {
			s.maybeLog("lrcpPositionOverflow",
				slog.Uint64("inPos", s.inPos),
				slog.Int("dataBytes", len(msg.Payload)))
			s.sendClose()
			return false
		}
		if len(s.delivery) < deliveryBacklog {
			s.delivery = append(s.delivery, msg.Payload)
			s.inPos += uint64(len(msg.Payload))
		}
	}
	s.sendAck()
	return true
}

// rxReady returns rx while a chunk awaits delivery and nil otherwise,
// so the corresponding select case never fires on an empty queue.
func (s *session) rxReady() chan<- []byte {
	if len(s.delivery) == 0 {
		return nil
	}
	return s.rx
}

// rxHead returns the next chunk to deliver, or nil when none awaits.
func (s *session) rxHead() []byte {
	if len(s.delivery) == 0 {
		return nil
	}
	return s.delivery[0]
}

// onAck handles a cumulative ack. It returns false when the ack proves
// the peer misbehaving (claiming receipt of unsent bytes), in which
// case the session must close.
func (s *session) onAck(msg *Message, retx *time.Timer, armed *bool) bool {
	switch {
	case msg.Length <= s.ackedOut:
		// Stale or duplicate ack.
		return true

	case msg.Length > s.outPos:
		s.maybeLog("lrcpSequenceViolation",
			slog.Uint64("ackLength", msg.Length),
			slog.Uint64("outPos", s.outPos))
		s.sendClose()
		return false

	default:
		trim := msg.Length - s.ackedOut
		s.ackedOut = msg.Length
		s.pending = s.pending[trim:]
		runtimex.Assert(uint64(len(s.pending)) == s.outPos-s.ackedOut,
			"pending buffer out of sync with ack state")
		s.retries = 0
		if *armed && !retx.Stop() {
			<-retx.C
		}
		*armed = false
		if len(s.pending) > 0 {
			resetTimer(retx, s.cfg.RetransmitInterval)
			*armed = true
		}
		return true
	}
}

// sendData emits the given bytes as one or more data packets starting
// at the given stream position, each fitting within [MaxPacketSize].
func (s *session) sendData(pos uint64, data []byte) {
	for len(data) > 0 {
		count := dataPayloadFit(s.id, pos, data)
		chunk := append([]byte{}, data[:count]...)
		s.emit(&Message{Type: MsgData, Session: s.id, Pos: pos, Payload: chunk})
		pos += uint64(count)
		data = data[count:]
	}
}

// sendAck acknowledges the current inbound position.
func (s *session) sendAck() {
	s.emit(&Message{Type: MsgAck, Session: s.id, Length: s.inPos})
}

// sendClose emits a close packet to the peer.
func (s *session) sendClose() {
	s.emit(&Message{Type: MsgClose, Session: s.id})
}

// emit queues an outbound packet for the listener's write loop.
func (s *session) emit(msg *Message) {
	select {
	case s.out <- outPacket{addr: s.peer, msg: msg}:
	case <-s.lnEOF:
	}
}

// terminate moves the session to the Closed state: signal end of
// stream to the application and ask the demux loop to drop the
// mapping. Safe to call exactly once from the run goroutine.
func (s *session) terminate() {
	s.eofOnce.Do(func() { close(s.eof) })
	// Flush whatever delivery chunks still fit, stopping at the first
	// full slot to keep the stream contiguous.
flush:
	for _, chunk := range s.delivery {
		select {
		case s.rx <- chunk:
		default:
			break flush
		}
	}
	close(s.rx)
	select {
	case s.unregister <- s:
	case <-s.lnEOF:
	}
}

// closeApp records that the application closed its [*Stream].
func (s *session) closeApp() {
	s.appCloseOnce.Do(func() { close(s.appClose) })
}

// maybeLog emits a structured log if the listener has a logger.
func (s *session) maybeLog(event string, attrs ...any) {
	if s.cfg.Logger != nil {
		args := append([]any{
			slog.Uint64("session", s.id),
			slog.String("peerAddr", s.peer.String()),
		}, attrs...)
		s.cfg.Logger.Info(event, args...)
	}
}

// resetTimer reschedules a timer whose channel has already been
// drained or that is known to be stopped.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
