// Package scheduler splits a live recording into timed chunks for incremental
// transcription while keeping a single global time axis.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/providers/stt"
	"github.com/voxlog/voxlog/internal/timecode"
)

// DefaultInterval is the nominal flush cadence T.
const DefaultInterval = 5 * time.Second

// AppendPadSeconds is added past a reopened session's last segment so new
// chunks never collide with prior content.
const AppendPadSeconds = 5

// ApplyFunc receives a chunk's shifted segments. The owner serializes calls
// per session, so implementations may read-modify-write the segment sequence.
type ApplyFunc func(segs []models.Segment)

// Scheduler owns the rolling fragment buffer and the time offset cursor for
// one recording. Exactly one Scheduler exists per active recording.
type Scheduler struct {
	sessionID string
	provider  stt.Provider
	opts      stt.Options
	apply     ApplyFunc
	interval  time.Duration
	log       *logrus.Entry

	mu     sync.Mutex
	buf    []byte
	cursor int // seconds; next chunk's offset

	wg       sync.WaitGroup // in-flight submissions
	stopOnce sync.Once
	stop     chan struct{}
}

func New(sessionID string, baseOffset int, interval time.Duration, provider stt.Provider, opts stt.Options, apply ApplyFunc, log *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		sessionID: sessionID,
		provider:  provider,
		opts:      opts,
		apply:     apply,
		interval:  interval,
		cursor:    baseOffset,
		stop:      make(chan struct{}),
		log:       log.WithField("session_id", sessionID),
	}
}

// Start launches the periodic flush loop. It returns immediately; flushes and
// submissions run detached so capture never waits on transcription.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-t.C:
				s.flush(ctx)
			}
		}
	}()
}

// Feed appends a captured fragment to the rolling buffer. It never blocks on
// a pending transcription call.
func (s *Scheduler) Feed(f capture.Fragment) {
	if len(f.Data) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, f.Data...)
	s.mu.Unlock()
}

// flush takes ownership of the buffered audio as one chunk, stamps it with
// the current cursor, and advances the cursor by the nominal interval — never
// by measured elapsed time. Offsets are assigned at hand-off, before the
// asynchronous call begins, so they reflect capture order regardless of
// response arrival order. An empty buffer leaves the cursor untouched.
func (s *Scheduler) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	chunk := s.buf
	s.buf = nil
	offset := s.cursor
	s.cursor += int(s.interval / time.Second)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.submit(ctx, chunk, offset)
}

// submit runs one provider call. Failure is contained: the chunk is dropped,
// the stream continues, the session never leaves RECORDING because of it.
func (s *Scheduler) submit(ctx context.Context, chunk []byte, offsetSec int) {
	defer s.wg.Done()

	segs, err := s.provider.Transcribe(ctx, chunk, s.opts)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"offset_sec": offsetSec,
			"chunk_size": len(chunk),
		}).Warn("chunk transcription failed, dropping chunk")
		return
	}
	if len(segs) == 0 {
		return
	}
	s.apply(shift(segs, offsetSec))
}

// FinalFlush stops the cadence, flushes any buffered tail as one last chunk,
// and waits for every in-flight submission to settle. Stop paths call this
// before finalizing the session.
func (s *Scheduler) FinalFlush(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.flush(ctx)
	s.wg.Wait()
}

// FlushNow forces one immediate flush outside the cadence. Drivers with their
// own pacing (and tests) use it in place of a tick.
func (s *Scheduler) FlushNow(ctx context.Context) {
	s.flush(ctx)
}

// Buffered reports how many bytes are waiting for the next flush.
func (s *Scheduler) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Cursor returns the offset the next chunk would receive.
func (s *Scheduler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func shift(segs []models.Segment, by int) []models.Segment {
	out := make([]models.Segment, len(segs))
	for i, sg := range segs {
		sec, err := timecode.Parse(sg.Timestamp)
		if err != nil {
			sec = 0
		}
		out[i] = models.Segment{Timestamp: timecode.Format(sec + by), Text: sg.Text}
	}
	return out
}
