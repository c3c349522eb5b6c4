// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netsim provides a minimal user-space datagram network for
writing hermetic transport tests.

The [NewHost] function creates a simulated host owning a set of IP
addresses. The [*Host.ListenPacket] method opens a simulated
[net.PacketConn] bound to one of those addresses, which behaves like
an unconnected UDP socket.

Datagrams sent by a host appear as [*Datagram] values on the channel
returned by [*Host.Output]; delivering a [*Datagram] to a host means
posting it on the channel returned by [*Host.Input]. The [NewLink]
function wires two hosts together and forwards datagrams in both
directions, optionally applying a propagation delay and per-direction
[Filter] functions that drop or duplicate traffic deterministically.
This is how tests exercise retransmission and duplicate suppression
without touching a real network.

There is no fragmentation, no TTL, and no transport other than
datagrams: the simulation models exactly what an unreliable,
connectionless socket provides and nothing more.
*/
package netsim
