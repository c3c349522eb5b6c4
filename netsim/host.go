// SPDX-License-Identifier: GPL-3.0-or-later

//
// Simulated host.
//

package netsim

import (
	"math"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// Host models a simulated host with datagram sockets.
//
// The zero value is invalid; construct using [NewHost].
type Host struct {
	// addrs contains the host addresses.
	addrs []netip.Addr

	// eof unblocks any blocking operation when the host is closed.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// input is the input channel for datagrams.
	input chan *Datagram

	// nextport tracks the next available ephemeral port.
	nextport uint16

	// output is the output channel for datagrams.
	output chan *Datagram

	// portmu protects nextport and ports.
	portmu sync.RWMutex

	// ports contains the open ports by local address.
	ports map[netip.AddrPort]*Port
}

// NewHost creates a new [*Host] instance and starts a goroutine
// demuxing incoming traffic. Remember to invoke Close to stop any
// muxing/demuxing goroutine.
func NewHost(addrs ...netip.Addr) *Host {
	const firstEphemeralPort = 49152
	host := &Host{
		addrs:    addrs,
		eof:      make(chan struct{}),
		eofOnce:  sync.Once{},
		input:    make(chan *Datagram),
		nextport: firstEphemeralPort,
		output:   make(chan *Datagram),
		portmu:   sync.RWMutex{},
		ports:    map[netip.AddrPort]*Port{},
	}
	go host.demuxLoop()
	return host
}

// Ensure [*Host] implements [Device].
var _ Device = &Host{}

// Addresses implements [Device].
func (h *Host) Addresses() []netip.Addr {
	return append([]netip.Addr{}, h.addrs...)
}

// EOF implements [Device].
func (h *Host) EOF() <-chan struct{} {
	return h.eof
}

// Input implements [Device].
func (h *Host) Input() chan<- *Datagram {
	return h.input
}

// Output implements [Device].
func (h *Host) Output() <-chan *Datagram {
	return h.output
}

// Close closes the host and stops all traffic muxing/demuxing.
func (h *Host) Close() error {
	h.eofOnce.Do(func() { close(h.eof) })
	return nil
}

// demuxLoop demuxes incoming traffic to the proper port.
func (h *Host) demuxLoop() {
	for {
		select {
		case <-h.eof:
			return
		case dg := <-h.input:
			h.demux(dg)
		}
	}
}

// demux delivers a single inbound [*Datagram] or drops it when no
// local port matches, which is what a real host would do.
func (h *Host) demux(dg *Datagram) error {
	if !h.isLocalAddr(dg.Dst.Addr()) {
		return syscall.EHOSTUNREACH
	}

	h.portmu.RLock()
	port := h.findPortLocked(dg)
	h.portmu.RUnlock()
	if port == nil {
		return syscall.EHOSTUNREACH
	}

	select {
	case <-port.eof:
		return net.ErrClosed
	case <-h.eof:
		return syscall.ENETDOWN
	case port.input <- dg:
		return nil
	}
}

// findPortLocked finds the port for a datagram: first an exact match
// on the destination address, then a wildcard listener bound to the
// unspecified address with the same port number.
//
// The caller must hold the portmu lock.
func (h *Host) findPortLocked(dg *Datagram) *Port {
	if port := h.ports[dg.Dst]; port != nil {
		return port
	}
	for _, ipAddr := range []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()} {
		if port := h.ports[netip.AddrPortFrom(ipAddr, dg.Dst.Port())]; port != nil {
			return port
		}
	}
	return nil
}

// ListenPacket opens a simulated datagram socket bound to the given
// `address`, which must use one of the host addresses or the
// unspecified address. A zero port selects an ephemeral port.
func (h *Host) ListenPacket(address string) (net.PacketConn, error) {
	h.portmu.Lock()
	defer h.portmu.Unlock()

	laddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, syscall.EINVAL
	}
	if !laddr.Addr().IsUnspecified() && !h.isLocalAddr(laddr.Addr()) {
		return nil, syscall.EADDRNOTAVAIL
	}
	if laddr.Port() <= 0 {
		lport, err := h.newEphemeralPortLocked()
		if err != nil {
			return nil, err
		}
		laddr = netip.AddrPortFrom(laddr.Addr(), lport)
	}
	if _, ok := h.ports[laddr]; ok {
		return nil, syscall.EADDRINUSE
	}

	port := newPort(h, laddr)
	h.ports[laddr] = port
	go h.muxOutgoingTraffic(port)
	return port, nil
}

// isLocalAddr returns true if the address is local to the host.
func (h *Host) isLocalAddr(addr netip.Addr) bool {
	for _, known := range h.addrs {
		if known == addr {
			return true
		}
	}
	return false
}

// newEphemeralPortLocked returns a fresh ephemeral port number.
//
// The caller must hold the portmu lock.
func (h *Host) newEphemeralPortLocked() (uint16, error) {
	if h.nextport >= math.MaxUint16 {
		return 0, syscall.EADDRINUSE
	}
	port := h.nextport
	h.nextport = port + 1
	return port, nil
}

// muxOutgoingTraffic merges the traffic emitted by all ports.
func (h *Host) muxOutgoingTraffic(port *Port) {
	for {
		select {
		case <-port.eof:
			return
		case <-h.eof:
			return
		case dg := <-port.output:
			select {
			case h.output <- dg:
			case <-h.eof:
				return
			}
		}
	}
}

// closePort removes a port from the host.
func (h *Host) closePort(laddr netip.AddrPort) {
	h.portmu.Lock()
	delete(h.ports, laddr)
	h.portmu.Unlock()
}
