// Package store defines the connection abstraction the bulk action engine
// runs against.
//
// The surface is intentionally small: cursor-based key scanning, pipelined
// command execution with one classified result per command, and a feature
// query used for command substitution. Pooling, auth and tunneling belong to
// the concrete client behind the interface.
package store

import (
	"context"
)

// Store hands out dedicated connections.
//
// Implementations should be safe for concurrent use. Each Conn returned by
// Acquire is owned by a single caller until Close.
type Store interface {
	// Acquire returns a dedicated connection for the lifetime of one
	// long-running operation.
	Acquire(ctx context.Context) (Conn, error)

	// Close releases the pool and any resources held by the store.
	Close() error
}

// Conn is a dedicated store connection.
//
// A Conn is not safe for concurrent use.
type Conn interface {
	// Scan returns one page of keys for the given cursor.
	// A NextCursor of zero means the iteration is complete.
	Scan(ctx context.Context, args ScanArgs) (*ScanResult, error)

	// Exec sends cmds as a single pipelined round trip and returns exactly
	// one Result per command, in order.
	//
	// Reply errors for individual commands are reported in Result.Err and
	// never returned from Exec. A non-nil error means the round trip itself
	// failed (connection lost, timeout) and no results are trustworthy.
	Exec(ctx context.Context, cmds []Command) ([]Result, error)

	// Supports reports whether the server implements the named command.
	Supports(ctx context.Context, command string) (bool, error)

	// DBSize returns the number of keys in the selected database.
	DBSize(ctx context.Context) (int64, error)

	// Close releases the connection. Close is safe to call more than once.
	Close() error
}

// ScanArgs configures a single SCAN page.
type ScanArgs struct {
	// Cursor resumes a previous iteration. Zero starts a new one.
	Cursor uint64

	// Match is the glob pattern keys must match. Empty means "*".
	Match string

	// Type restricts results to one data type. Empty means any type.
	Type KeyType

	// Count is the page size hint passed to the server.
	Count int64
}

// ScanResult is one SCAN page.
type ScanResult struct {
	// Keys holds the keys returned for this page. The server may return
	// fewer or more keys than Count.
	Keys []string

	// NextCursor is the cursor to resume from. Zero means done.
	NextCursor uint64
}

// KeyType identifies a store data type as reported by TYPE.
type KeyType string

const (
	KeyTypeString     KeyType = "string"
	KeyTypeList       KeyType = "list"
	KeyTypeSet        KeyType = "set"
	KeyTypeZSet       KeyType = "zset"
	KeyTypeHash       KeyType = "hash"
	KeyTypeStream     KeyType = "stream"
	KeyTypeJSON       KeyType = "ReJSON-RL"
	KeyTypeGraph      KeyType = "graphdata"
	KeyTypeTimeSeries KeyType = "TSDB-TYPE"
)

// KnownKeyTypes lists every KeyType accepted by filters.
var KnownKeyTypes = []KeyType{
	KeyTypeString,
	KeyTypeList,
	KeyTypeSet,
	KeyTypeZSet,
	KeyTypeHash,
	KeyTypeStream,
	KeyTypeJSON,
	KeyTypeGraph,
	KeyTypeTimeSeries,
}

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	for _, known := range KnownKeyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String returns the wire representation of the key type.
func (t KeyType) String() string {
	return string(t)
}
