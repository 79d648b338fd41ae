package ingest

import "errors"

var (
	// ErrNotConnected is returned by Disconnect when the peer has no live
	// handler. The blacklist insertion still happened.
	ErrNotConnected = errors.New("peer not connected")

	// ErrNotBlacklisted is returned by AllowReconnect for an IP that is not
	// currently blacklisted.
	ErrNotBlacklisted = errors.New("peer not blacklisted")

	// ErrNotRunning is returned by Stop when the server is not running.
	ErrNotRunning = errors.New("server not running")
)
