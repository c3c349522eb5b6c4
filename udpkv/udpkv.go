// SPDX-License-Identifier: GPL-3.0-or-later

// Package udpkv implements a tiny key-value store speaking a
// datagram request/response protocol.
//
// A request containing `=` is an insert: everything before the first
// `=` is the key, everything after it is the value. Any other request
// retrieves a key, answered with `key=value` (empty value when the
// key is unknown). Inserts never get a response. The `version` key is
// immutable: inserts to it are ignored.
//
// Requests that are not valid UTF-8 are dropped silently, as is any
// response that would not fit in a single datagram.
package udpkv

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rbmk-project/common/errclass"
)

// DefaultVersion is the value served for the `version` key
// unless [Store.Version] overrides it.
const DefaultVersion = "Ken's Key-Value Store 1.0"

// maxResponseSize bounds a response datagram.
const maxResponseSize = 1000

// Metrics counts store operations.
type Metrics struct {
	// Inserts counts accepted insert requests.
	Inserts atomic.Int64

	// Retrieves counts retrieve requests.
	Retrieves atomic.Int64

	// Hits counts retrieves that found the key.
	Hits atomic.Int64

	// Dropped counts silently dropped requests.
	Dropped atomic.Int64
}

// Store is an in-memory key-value store served over datagrams.
//
// The zero value is ready to use. The store is safe for concurrent
// use, though a single Serve loop is the common setup.
type Store struct {
	// Logger optionally emits structured logs.
	Logger *slog.Logger

	// Version overrides [DefaultVersion] when nonempty.
	Version string

	// Metrics counts operations.
	Metrics Metrics

	// mu protects m.
	mu sync.RWMutex

	// m maps keys to values.
	m map[string]string
}

// Insert stores a value, ignoring writes to the version key.
func (db *Store) Insert(key, value string) {
	if key == "version" {
		db.Metrics.Dropped.Add(1)
		return
	}
	db.mu.Lock()
	if db.m == nil {
		db.m = make(map[string]string)
	}
	db.m[key] = value
	db.mu.Unlock()
	db.Metrics.Inserts.Add(1)
}

// Retrieve returns the value for a key and whether it was found. The
// version key is always found.
func (db *Store) Retrieve(key string) (string, bool) {
	db.Metrics.Retrieves.Add(1)
	if key == "version" {
		db.Metrics.Hits.Add(1)
		version := db.Version
		if version == "" {
			version = DefaultVersion
		}
		return version, true
	}
	db.mu.RLock()
	value, found := db.m[key]
	db.mu.RUnlock()
	if found {
		db.Metrics.Hits.Add(1)
	}
	return value, found
}

// Handle processes a single request datagram and returns the response
// to send, or nil when the request gets no response.
func (db *Store) Handle(request []byte) []byte {
	if !utf8.Valid(request) {
		db.Metrics.Dropped.Add(1)
		return nil
	}
	if key, value, isInsert := bytes.Cut(request, []byte("=")); isInsert {
		db.Insert(string(key), string(value))
		return nil
	}
	value, _ := db.Retrieve(string(request))
	response := make([]byte, 0, len(request)+1+len(value))
	response = append(response, request...)
	response = append(response, '=')
	response = append(response, value...)
	if len(response) > maxResponseSize {
		db.Metrics.Dropped.Add(1)
		return nil
	}
	return response
}

// Serve answers requests on the given datagram socket until the
// socket is closed.
func (db *Store) Serve(conn net.PacketConn) error {
	buf := make([]byte, 2048)
	for {
		count, addr, err := conn.ReadFrom(buf)
		if err != nil {
			db.maybeLog("udpkvReadError",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)))
			return err
		}
		response := db.Handle(buf[:count])
		if response == nil {
			continue
		}
		if _, err := conn.WriteTo(response, addr); err != nil {
			db.maybeLog("udpkvWriteError",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
				slog.String("peerAddr", addr.String()))
		}
	}
}

// maybeLog emits a structured log if the store has a logger.
func (db *Store) maybeLog(event string, attrs ...any) {
	if db.Logger != nil {
		db.Logger.Info(event, attrs...)
	}
}
