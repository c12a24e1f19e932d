package collab

import (
	"errors"
)

// failure taxonomy surfaced to the host application. Nothing here is
// fatal to the host process: every failure degrades to "no live
// collaboration" while the rest of the application stays usable.
var (
	// no credential could be obtained from the token source. The caller
	// may retry once auth completes.
	ErrAuthUnavailable = errors.New("auth unavailable")

	// the relay is not accepting connections. Retried with backoff.
	ErrTransportUnreachable = errors.New("transport unreachable")

	// the handshake was rejected. Not auto-retried; a new credential is
	// required before connecting again.
	ErrProtocolRejected = errors.New("protocol rejected")

	// the relay accepted the connection but the handshake did not
	// complete in time. Retried with backoff.
	ErrTimeout = errors.New("handshake timeout")

	// no session snapshot arrived after (re)connect. The reconciler
	// resolves this by reconciling to an empty session.
	ErrSnapshotTimeout = errors.New("snapshot timeout")
)
