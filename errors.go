package ccluster

import "github.com/pkg/errors"

// Error taxonomy. Every failure surfaced to a caller or logged by the
// session pump is one of these, or wraps one of these via errors.Wrap so
// errors.Cause(err) recovers the sentinel.
var (
	// ErrNoPeer means this node knows no peer for the key, the only
	// candidate is this node, or the candidate peer is overloaded.
	ErrNoPeer = errors.New("no peer available for key")

	// ErrChannelExhausted means the session's channel table has no free
	// id of the caller's parity left (table already at its 32767 cap).
	ErrChannelExhausted = errors.New("channel table exhausted")

	// ErrChannelInUse means the peer-chosen channel id collided with an
	// existing local mapping during acceptor-side bind.
	ErrChannelInUse = errors.New("requested channel already in use")

	// ErrTransportTimeout means a sequence number never matched a reply
	// before the configured remote-op timeout window elapsed.
	ErrTransportTimeout = errors.New("remote operation timed out")

	// ErrReplyTimeout means a reply arrived for a sequence number that
	// is unknown or already expired from the pending table.
	ErrReplyTimeout = errors.New("reply for unknown or expired sequence number")

	// ErrWireCorruption means a checksum, count_check, or version
	// mismatch was detected; fatal for the owning session.
	ErrWireCorruption = errors.New("corrupt cluster frame")

	// ErrPeerDown means the session transitioned to dead; every VC on
	// that session surfaces this as its terminal error.
	ErrPeerDown = errors.New("peer session is down")

	// ErrCacheMiss is returned transparently from the remote cache
	// engine through the RPC reply path.
	ErrCacheMiss = errors.New("cache miss")

	// ErrLocalLockMiss is internal: a try-lock failed and the caller
	// should retry via a short timer rather than block.
	ErrLocalLockMiss = errors.New("local lock miss, retry")

	// ErrGoAway means the session's channel-id space overflowed parity
	// and the peer must establish a new session.
	ErrGoAway = errors.New("channel id space exhausted, start a new session")

	// ErrSessionClosed means an operation was attempted on a session
	// that has already transitioned to dead or zombie.
	ErrSessionClosed = errors.New("session closed")

	// ErrVCClosed means an operation was attempted on a VC already
	// transitioned to closed.
	ErrVCClosed = errors.New("virtual connection closed")

	// ErrTimeout means a blocking Read/Write/Accept deadline elapsed.
	ErrTimeout = errors.New("i/o timeout")

	// ErrOpenReadConvertedToWrite means the responder's open-read failed
	// for an HTTP fragment (not a PURGE/DELETE) and it auto-converted to
	// an open-write on the same key, handing back the write VC's token
	// instead (spec §4.5, scenario (d)). The VC the caller already holds
	// is now a write VC; Cluster.OpenReadVC adopts it into the local
	// write-VC cache before returning this error.
	ErrOpenReadConvertedToWrite = errors.New("open-read failed, converted to open-write")
)
