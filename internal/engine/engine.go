// Package engine implements the three interchangeable event loops:
// an edge-triggered epoll readiness loop, a single-shot io_uring
// completion loop, and a multishot io_uring + buffer-ring completion
// loop. All three share the same connection lifecycle and the same
// metrics.Metrics surface.
package engine

import (
	"sync/atomic"
)

// Engine is one of the three interchangeable event loops. Run blocks
// until shutdown is observed set, then returns after emitting a final
// forced report line.
type Engine interface {
	Run(shutdown *atomic.Bool) error
}

// recvBufSize is the per-message buffer size used by every engine,
// matching the reference implementation's BUFFER_SIZE.
const recvBufSize = 4096

// pollTimeout bounds every engine's blocking wait so the reporter and
// the shutdown flag are serviced at least this often, per spec.
const pollTimeout = 100 // milliseconds, see readiness.go/completion.go for unit conversions
