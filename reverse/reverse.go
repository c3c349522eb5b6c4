// SPDX-License-Identifier: GPL-3.0-or-later

// Package reverse implements the line-reversal application
// served over the LRCP transport.
//
// The application is deliberately trivial: read newline-terminated
// lines from the stream and write each line back reversed. All the
// reliability machinery lives below, inside [lrcp].
package reverse

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/rbmk-project/lrcp"
)

// Server serves the line-reversal application.
//
// The zero value is ready to use; set Logger before calling Serve to
// emit structured logs.
type Server struct {
	// Logger optionally emits structured logs.
	Logger *slog.Logger

	// mu protects streams.
	mu sync.Mutex

	// streams tracks open streams so Close can terminate them.
	streams []io.Closer
}

// Serve accepts sessions from the listener until it is closed,
// handling each one in its own goroutine.
func (srv *Server) Serve(listener *lrcp.Listener) error {
	for {
		stream, err := listener.Accept()
		if err != nil {
			return err
		}
		srv.track(stream)
		go srv.handle(stream)
	}
}

// Close closes every stream currently being served, iterating in
// backward order. The returned error is the join of all the errors
// that occurred when closing streams.
func (srv *Server) Close() error {
	srv.mu.Lock()
	streams := srv.streams
	srv.streams = nil
	srv.mu.Unlock()

	var errv []error
	for _, stream := range slices.Backward(streams) {
		if err := stream.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}

// track remembers an open stream for [*Server.Close].
func (srv *Server) track(stream io.Closer) {
	srv.mu.Lock()
	srv.streams = append(srv.streams, stream)
	srv.mu.Unlock()
}

// handle reverses lines on a single stream until end of file.
func (srv *Server) handle(stream *lrcp.Stream) {
	defer stream.Close()
	srv.maybeLog(stream, "reverseSessionStart")

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A trailing partial line without newline is not a
			// line yet: the protocol reverses whole lines only.
			srv.maybeLog(stream, "reverseSessionDone", slog.Any("err", err))
			return
		}
		if _, err := stream.Write(reverseLine(line)); err != nil {
			srv.maybeLog(stream, "reverseWriteError",
				slog.Any("err", err))
			return
		}
	}
}

// reverseLine reverses a newline-terminated line in place, keeping
// the terminator at the end.
func reverseLine(line []byte) []byte {
	slices.Reverse(line[:len(line)-1])
	return line
}

// maybeLog emits a structured log if the server has a logger.
func (srv *Server) maybeLog(stream *lrcp.Stream, event string, attrs ...any) {
	if srv.Logger != nil {
		args := append([]any{
			slog.Uint64("session", stream.SessionID()),
			slog.String("peerAddr", addrString(stream.RemoteAddr())),
		}, attrs...)
		srv.Logger.Info(event, args...)
	}
}

// addrString is a safe way to stringify a possibly nil address.
func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
