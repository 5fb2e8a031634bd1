// Package capture defines the audio source the recorder consumes. The actual
// device (microphone, browser stream, socket) lives outside the core; this is
// only the contract plus an in-memory source for tests and local drivers.
package capture

import (
	"context"
	"sync"

	"github.com/voxlog/voxlog/internal/utils"
)

// Fragment is one slice of encoded audio as produced by the device's own
// cadence, independent of the scheduler's flush cadence.
type Fragment struct {
	Data []byte
}

// Source is a single-use audio stream. Start acquires the device and begins
// delivering fragments; the channel closes when the stream ends. Close
// releases the device and must be called on every stop path.
type Source interface {
	Start(ctx context.Context) (<-chan Fragment, error)
	Close() error
}

// BufferSource is a channel-fed Source: callers push fragments with Push and
// end the stream with Close. FailStart simulates a device that cannot be
// acquired.
type BufferSource struct {
	FailStart bool

	mu      sync.Mutex
	ch      chan Fragment
	started bool
	closed  bool
}

func NewBufferSource() *BufferSource {
	return &BufferSource{ch: make(chan Fragment, 64)}
}

func (b *BufferSource) Start(ctx context.Context) (<-chan Fragment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailStart {
		return nil, utils.E(utils.CodeCapture, "BufferSource.Start", "audio device unavailable", nil)
	}
	if b.started {
		return nil, utils.E(utils.CodeCapture, "BufferSource.Start", "source already started", nil)
	}
	b.started = true
	return b.ch, nil
}

// Push delivers one fragment. Pushes after Close are dropped.
func (b *BufferSource) Push(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ch <- Fragment{Data: data}
}

func (b *BufferSource) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

// Closed reports whether the device was released.
func (b *BufferSource) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
