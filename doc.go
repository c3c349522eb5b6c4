// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package lrcp implements LRCP, a reliable byte-stream transport
layered over unreliable, connectionless datagrams.

# Wire Protocol

LRCP frames are ASCII text delimited by unescaped `/` characters:

	/connect/SESSION/
	/data/SESSION/POS/DATA/
	/ack/SESSION/LENGTH/
	/close/SESSION/

SESSION, POS, and LENGTH are unsigned integers smaller than 2^31. The
DATA field escapes literal `/` as `\/` and literal `\` as `\\`; POS and
LENGTH always count unescaped application bytes. A serialized packet
never exceeds [MaxPacketSize] bytes, so large writes are split into
multiple data packets. Malformed packets are dropped silently: the
protocol has no negative acknowledgment.

Acknowledgments are cumulative: `/ack/SESSION/LENGTH/` states the total
number of contiguous bytes received from the beginning of the stream.

# Usage

The [NewListener] function wraps a [net.PacketConn] (extra knobs live
in [ListenConfig]):

	listener := lrcp.NewListener(conn, nil)
	defer listener.Close()
	for {
		stream, err := listener.Accept()
		if err != nil {
			return err
		}
		go handle(stream)
	}

Each inbound `/connect/…/` for an unseen session id yields one
[*Stream] from [*Listener.Accept]. A [*Stream] presents the session as
an ordinary byte stream: reads return application bytes strictly in
order and terminate when the session closes; writes are accepted
immediately into the session's retransmission buffer and never wait
for a network round trip.

# Concurrency Model

There is one goroutine per session owning all session state, plus the
listener's read, demux, and write goroutines. The demux goroutine is
the sole owner of the id-to-session map, and the write goroutine is
the sole writer on the shared socket. Sessions exchange messages with
the listener over channels and never share mutable state, so no
session-level locking exists.

# Session Teardown

A session closes when either side sends `/close/…/`, when no network
traffic arrives for [ListenConfig.IdleTimeout], when the peer
acknowledges bytes that were never sent, or when too many consecutive
retransmissions make no ack progress. In every case the peer is sent a
single `/close/…/` and the application's stream reports end of file.

After teardown the listener remembers the session id for
[ListenConfig.CloseLinger]: stray packets for the id arriving from the
session's bound address within that window are answered with another
`/close/…/`, while packets from any other address are dropped. Once
the window expires the id is forgotten and may be reused by a fresh
`/connect/…/` from any address.
*/
package lrcp
