// SPDX-License-Identifier: GPL-3.0-or-later

//
// Session router owning the shared datagram socket.
//

package lrcp

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rbmk-project/common/errclass"
)

// ListenConfig contains optional [*Listener] knobs.
//
// The zero value of each field selects a sensible default.
type ListenConfig struct {
	// Logger optionally emits structured logs. A nil logger
	// keeps the listener silent.
	Logger *slog.Logger

	// RetransmitInterval is the delay before re-emitting
	// unacknowledged data. Default: 3s.
	RetransmitInterval time.Duration

	// MaxRetransmits bounds consecutive retransmissions without
	// ack progress before the session is forcibly closed.
	// Default: 5.
	MaxRetransmits int

	// IdleTimeout closes a session that saw no network traffic
	// for this long. Default: 60s.
	IdleTimeout time.Duration

	// CloseLinger is how long a closed session id keeps answering
	// stray packets with another close. Default: 30s.
	CloseLinger time.Duration
}

// withDefaults returns a copy of the config with defaults applied.
func (cfg *ListenConfig) withDefaults() ListenConfig {
	out := ListenConfig{}
	if cfg != nil {
		out = *cfg
	}
	if out.RetransmitInterval <= 0 {
		out.RetransmitInterval = 3 * time.Second
	}
	if out.MaxRetransmits <= 0 {
		out.MaxRetransmits = 5
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.CloseLinger <= 0 {
		out.CloseLinger = 30 * time.Second
	}
	return out
}

// outPacket is an outbound datagram queued for the write loop.
type outPacket struct {
	addr net.Addr
	msg  *Message
}

// inPacket is a parsed inbound datagram awaiting demux.
type inPacket struct {
	addr net.Addr
	msg  *Message
}

// lingering remembers a closed session id for the grace window.
type lingering struct {
	addr    string
	expires time.Time
}

// Listener accepts LRCP sessions over a shared [net.PacketConn].
//
// The zero value is invalid; construct using [NewListener].
type Listener struct {
	// conn is the shared datagram socket.
	conn net.PacketConn

	// cfg is the resolved configuration.
	cfg ListenConfig

	// accept queues streams for [*Listener.Accept].
	accept chan *Stream

	// eof unblocks any blocking operation when the listener closes.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// inbound carries parsed datagrams from the read loop.
	inbound chan *inPacket

	// outbound funnels every outbound datagram to the write loop.
	outbound chan outPacket

	// unregister carries teardown notices from dying sessions.
	unregister chan *session

	// sessions maps session ids to live sessions. Owned and
	// mutated exclusively by the demux loop.
	sessions map[uint64]*session

	// closing maps recently closed ids to their linger entries.
	// Owned and mutated exclusively by the demux loop.
	closing map[uint64]lingering
}

// NewListener wraps a datagram socket and starts the goroutines
// demuxing inbound traffic and serializing outbound traffic. A nil
// config selects all defaults. Remember to invoke Close.
const (
	// acceptBacklog bounds streams awaiting [*Listener.Accept]. The
	// demux loop drops connects on overflow; the peer retransmits.
	acceptBacklog = 128

	// outboundBacklog bounds packets awaiting the write loop.
	outboundBacklog = 512
)

func NewListener(conn net.PacketConn, config *ListenConfig) *Listener {
	ln := &Listener{
		conn:       conn,
		cfg:        config.withDefaults(),
		accept:     make(chan *Stream, acceptBacklog),
		eof:        make(chan struct{}),
		eofOnce:    sync.Once{},
		inbound:    make(chan *inPacket),
		outbound:   make(chan outPacket, outboundBacklog),
		unregister: make(chan *session),
		sessions:   map[uint64]*session{},
		closing:    map[uint64]lingering{},
	}
	go ln.readLoop()
	go ln.demuxLoop()
	go ln.writeLoop()
	return ln
}

// Accept waits for the next inbound session and returns its [*Stream].
// It returns [net.ErrClosed] after the listener is closed.
func (ln *Listener) Accept() (*Stream, error) {
	select {
	case stream := <-ln.accept:
		return stream, nil
	case <-ln.eof:
		return nil, net.ErrClosed
	}
}

// Addr returns the local address of the shared socket.
func (ln *Listener) Addr() net.Addr {
	return ln.conn.LocalAddr()
}

// Close shuts down the listener and the shared socket. In-flight
// sessions are abandoned without a close packet.
func (ln *Listener) Close() error {
	ln.eofOnce.Do(func() { close(ln.eof) })
	return ln.conn.Close()
}

// readLoop reads the shared socket, parses datagrams, and forwards
// them to the demux loop. Malformed datagrams are dropped silently on
// the wire, though we log them locally.
func (ln *Listener) readLoop() {
	buf := make([]byte, 2048)
	for {
		count, addr, err := ln.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ln.eof:
				return
			default:
			}
			ln.maybeLog("lrcpReadError",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)))
			// Datagram sockets surface transient errors (e.g.,
			// ICMP-induced) from ReadFrom; keep reading.
			continue
		}

		msg, err := ParseMessage(buf[:count])
		if err != nil {
			ln.maybeLog("lrcpMalformedPacket",
				slog.Any("err", err),
				slog.String("peerAddr", addr.String()),
				slog.Int("packetSize", count))
			continue
		}

		select {
		case ln.inbound <- &inPacket{addr: addr, msg: msg}:
		case <-ln.eof:
			return
		}
	}
}

// demuxLoop owns the session table: it routes inbound messages to the
// right session, creates sessions on first connect, and retires ids
// through the linger window.
func (ln *Listener) demuxLoop() {
	sweep := time.NewTicker(ln.cfg.CloseLinger)
	defer sweep.Stop()
	for {
		select {
		case <-ln.eof:
			return

		case pkt := <-ln.inbound:
			ln.demux(pkt)

		case sess := <-ln.unregister:
			if ln.sessions[sess.id] == sess {
				delete(ln.sessions, sess.id)
				ln.closing[sess.id] = lingering{
					addr:    sess.peer.String(),
					expires: time.Now().Add(ln.cfg.CloseLinger),
				}
				ln.maybeLog("lrcpSessionGone", slog.Uint64("session", sess.id))
			}

		case <-sweep.C:
			now := time.Now()
			for id, entry := range ln.closing {
				if now.After(entry.expires) {
					delete(ln.closing, id)
				}
			}
		}
	}
}

// demux routes one parsed datagram.
func (ln *Listener) demux(pkt *inPacket) {
	msg := pkt.msg

	// Messages for a live session go to its actor, except when the
	// source address differs from the one bound at connect time.
	if sess, ok := ln.sessions[msg.Session]; ok {
		if sess.peer.String() != pkt.addr.String() {
			ln.maybeLog("lrcpPeerAddressMismatch",
				slog.Uint64("session", msg.Session),
				slog.String("boundAddr", sess.peer.String()),
				slog.String("peerAddr", pkt.addr.String()))
			return
		}
		select {
		case sess.events <- msg:
		default:
			// Backlogged session: drop, the peer retransmits.
			ln.maybeLog("lrcpSessionBacklog", slog.Uint64("session", msg.Session))
		}
		return
	}

	// First connect for an unseen id creates the session and
	// surfaces its stream through the accept queue. When the queue is
	// full the connect is dropped without creating a session, so a
	// non-accepting application cannot stall demux for everyone else;
	// the peer retransmits the connect. A connect also clears any
	// linger entry so the id can be reused.
	if msg.Type == MsgConnect {
		delete(ln.closing, msg.Session)
		sess := newSession(ln, msg.Session, pkt.addr)
		select {
		case ln.accept <- &Stream{s: sess}:
		default:
			ln.maybeLog("lrcpAcceptBacklog", slog.Uint64("session", msg.Session))
			return
		}
		ln.sessions[msg.Session] = sess
		go sess.run()
		ln.maybeLog("lrcpSessionNew",
			slog.Uint64("session", msg.Session),
			slog.String("peerAddr", pkt.addr.String()))
		return
	}

	// Stray packets for a lingering id from the bound address are
	// answered with another close; everything else is dropped
	// silently and never creates a session.
	if entry, ok := ln.closing[msg.Session]; ok {
		if time.Now().After(entry.expires) {
			delete(ln.closing, msg.Session)
			return
		}
		if entry.addr == pkt.addr.String() {
			select {
			case ln.outbound <- outPacket{
				addr: pkt.addr,
				msg:  &Message{Type: MsgClose, Session: msg.Session},
			}:
			case <-ln.eof:
			}
		}
		return
	}

	ln.maybeLog("lrcpUnknownSession",
		slog.Uint64("session", msg.Session),
		slog.String("peerAddr", pkt.addr.String()))
}

// writeLoop is the single writer on the shared socket.
func (ln *Listener) writeLoop() {
	for {
		select {
		case <-ln.eof:
			return
		case pkt := <-ln.outbound:
			data := pkt.msg.Marshal()
			if _, err := ln.conn.WriteTo(data, pkt.addr); err != nil {
				ln.maybeLog("lrcpWriteError",
					slog.Any("err", err),
					slog.String("errClass", errclass.New(err)),
					slog.String("peerAddr", pkt.addr.String()))
			}
		}
	}
}

// maybeLog emits a structured log if the listener has a logger.
func (ln *Listener) maybeLog(event string, attrs ...any) {
	if ln.cfg.Logger != nil {
		ln.cfg.Logger.Info(event, attrs...)
	}
}
