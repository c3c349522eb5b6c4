// SPDX-License-Identifier: GPL-3.0-or-later

//
// Point-to-point link with fault injection.
//

package netsim

import (
	"sync"
	"sync/atomic"
	"time"
)

// Verdict is the decision a [Filter] takes on a [*Datagram].
type Verdict int

const (
	// Pass forwards the datagram unchanged.
	Pass = Verdict(iota)

	// Drop discards the datagram.
	Drop

	// Duplicate forwards the datagram twice.
	Duplicate
)

// Filter inspects datagrams flowing through a [*Link] in one
// direction and decides their fate. Implementations must be safe for
// use by a single forwarding goroutine.
type Filter interface {
	Filter(dg *Datagram) Verdict
}

// FilterFunc adapts a function to the [Filter] interface.
type FilterFunc func(dg *Datagram) Verdict

// Filter implements [Filter].
func (fx FilterFunc) Filter(dg *Datagram) Verdict {
	return fx(dg)
}

// DropFirst returns a [Filter] dropping the first count datagrams
// and passing everything afterwards. Deterministic by construction,
// which keeps tests reproducible.
func DropFirst(count int) Filter {
	var seen atomic.Int64
	return FilterFunc(func(dg *Datagram) Verdict {
		if seen.Add(1) <= int64(count) {
			return Drop
		}
		return Pass
	})
}

// DuplicateFirst returns a [Filter] duplicating the first count
// datagrams and passing everything afterwards.
func DuplicateFirst(count int) Filter {
	var seen atomic.Int64
	return FilterFunc(func(dg *Datagram) Verdict {
		if seen.Add(1) <= int64(count) {
			return Duplicate
		}
		return Pass
	})
}

// LinkConfig configures a [*Link].
type LinkConfig struct {
	// Delay is the propagation delay in each direction.
	Delay time.Duration

	// LeftToRight optionally filters datagrams moving from the
	// left device to the right device.
	LeftToRight Filter

	// RightToLeft optionally filters datagrams moving from the
	// right device to the left device.
	RightToLeft Filter
}

// Link models a point-to-point link between two [Device] instances,
// optionally injecting faults along the way.
//
// The zero value is invalid; construct using [NewLink].
type Link struct {
	// eof unblocks any blocking channel operation.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once
}

// NewLink creates a new [*Link] connecting two [Device] instances and
// starts forwarding datagrams between them. A nil config forwards
// everything immediately. Use Close to stop the forwarding goroutines.
func NewLink(left, right Device, config *LinkConfig) *Link {
	cfg := LinkConfig{}
	if config != nil {
		cfg = *config
	}
	lnk := &Link{
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
	}
	go lnk.move(left, right, cfg.LeftToRight, cfg.Delay)
	go lnk.move(right, left, cfg.RightToLeft, cfg.Delay)
	return lnk
}

// Close stops the forwarding goroutines.
func (lnk *Link) Close() error {
	lnk.eofOnce.Do(func() { close(lnk.eof) })
	return nil
}

// move forwards datagrams from src to dst, applying the filter and
// the propagation delay. A single goroutine per direction preserves
// datagram ordering.
func (lnk *Link) move(src, dst Device, filter Filter, delay time.Duration) {
	for {
		select {
		case <-lnk.eof:
			return
		case <-src.EOF():
			return
		case dg := <-src.Output():
			verdict := Pass
			if filter != nil {
				verdict = filter.Filter(dg)
			}
			if verdict == Drop {
				continue
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			copies := 1
			if verdict == Duplicate {
				copies = 2
			}
			for idx := 0; idx < copies; idx++ {
				select {
				case <-lnk.eof:
					return
				case <-dst.EOF():
					return
				case dst.Input() <- dg:
				}
			}
		}
	}
}
