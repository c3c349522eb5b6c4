// SPDX-License-Identifier: GPL-3.0-or-later

//
// Datagram and related definitions.
//

package netsim

import (
	"fmt"
	"net"
	"net/netip"
)

// Datagram is a single unit of data in flight between two hosts.
type Datagram struct {
	// Src is the source address and port.
	Src netip.AddrPort

	// Dst is the destination address and port.
	Dst netip.AddrPort

	// Payload contains the datagram payload.
	Payload []byte
}

// String returns a string representation of the [*Datagram].
func (dg *Datagram) String() string {
	return fmt.Sprintf("%s -> %s [%d bytes]", dg.Src, dg.Dst, len(dg.Payload))
}

// Device is a network element that emits and accepts [*Datagram].
// [*Host] implements it; [NewLink] connects two of them.
type Device interface {
	// Addresses returns the addresses owned by the device.
	Addresses() []netip.Addr

	// EOF returns a channel closed when the device shuts down.
	EOF() <-chan struct{}

	// Input returns the channel where to post inbound datagrams.
	Input() chan<- *Datagram

	// Output returns the channel emitting outbound datagrams.
	Output() <-chan *Datagram
}

// Addr is the [net.Addr] used by simulated sockets.
type Addr struct {
	// AddrPort is the endpoint address and port.
	AddrPort netip.AddrPort
}

// Ensure [*Addr] implements [net.Addr].
var _ net.Addr = &Addr{}

// Network implements [net.Addr].
func (sa *Addr) Network() string {
	return "udp"
}

// String implements [net.Addr].
func (sa *Addr) String() string {
	return sa.AddrPort.String()
}
