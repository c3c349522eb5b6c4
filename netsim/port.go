// SPDX-License-Identifier: GPL-3.0-or-later

//
// Simulated datagram socket.
//

package netsim

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"
)

// Port is a simulated datagram socket behaving like an unconnected
// UDP socket: it accepts datagrams from any source address.
//
// The zero value is invalid; construct using [*Host.ListenPacket].
type Port struct {
	// eof unblocks any pending I/O.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// host is the host owning this port.
	host *Host

	// input is the channel where we receive datagrams.
	input chan *Datagram

	// local is the bound local address.
	local netip.AddrPort

	// output is the channel where we post datagrams.
	output chan *Datagram

	// rd is the deadline for read operations.
	rd *deadline

	// wd is the deadline for write operations.
	wd *deadline
}

// newPort creates a [*Port] bound to the given local address.
func newPort(host *Host, local netip.AddrPort) *Port {
	return &Port{
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
		host:    host,
		input:   make(chan *Datagram),
		local:   local,
		output:  make(chan *Datagram),
		rd:      newDeadline(),
		wd:      newDeadline(),
	}
}

// Ensure [*Port] implements [net.PacketConn].
var _ net.PacketConn = &Port{}

// Close implements [net.PacketConn].
func (p *Port) Close() error {
	p.eofOnce.Do(func() {
		p.host.closePort(p.local)
		close(p.eof)
		p.rd.Set(time.Time{})
		p.wd.Set(time.Time{})
	})
	return nil
}

// LocalAddr implements [net.PacketConn].
func (p *Port) LocalAddr() net.Addr {
	return &Addr{p.local}
}

// ReadFrom implements [net.PacketConn].
//
// The following errors are possible:
//
// 1. nil if we receive a datagram;
//
// 2. [net.ErrClosed] if the port is closed before we receive one;
//
// 3. [os.ErrDeadlineExceeded] if the read deadline is exceeded.
func (p *Port) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case dg := <-p.input:
		count := copy(buf, dg.Payload)
		return count, &Addr{dg.Src}, nil
	case <-p.eof:
		return 0, nil, net.ErrClosed
	case <-p.rd.Wait():
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements [net.PacketConn].
//
// We copy the payload so the caller may reuse its buffer. The same
// errors as [*Port.ReadFrom] apply, for the write deadline.
func (p *Port) WriteTo(payload []byte, addr net.Addr) (int, error) {
	raddr, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return 0, syscall.EINVAL
	}
	dg := &Datagram{
		Src:     p.local,
		Dst:     raddr,
		Payload: append([]byte{}, payload...),
	}
	select {
	case p.output <- dg:
		return len(payload), nil
	case <-p.eof:
		return 0, net.ErrClosed
	case <-p.wd.Wait():
		return 0, os.ErrDeadlineExceeded
	}
}

// SetDeadline implements [net.PacketConn].
func (p *Port) SetDeadline(t time.Time) error {
	p.SetReadDeadline(t)
	p.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline implements [net.PacketConn].
func (p *Port) SetReadDeadline(t time.Time) error {
	p.rd.Set(t)
	return nil
}

// SetWriteDeadline implements [net.PacketConn].
func (p *Port) SetWriteDeadline(t time.Time) error {
	p.wd.Set(t)
	return nil
}
