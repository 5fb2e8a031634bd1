package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/merge"
	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/providers/stt"
	mongorepo "github.com/voxlog/voxlog/internal/repositories/mongo"
	"github.com/voxlog/voxlog/internal/scheduler"
	"github.com/voxlog/voxlog/internal/settings"
	"github.com/voxlog/voxlog/internal/timecode"
	"github.com/voxlog/voxlog/internal/utils"
)

type Mode string

const (
	ModeNew    Mode = "new"
	ModeAppend Mode = "append"
)

// RetentionLimit is the at-most-N durable-history bound.
const RetentionLimit = 20

// ProviderFactory builds the transcription provider the loaded settings select.
type ProviderFactory func(ctx context.Context, s models.Settings) (stt.Provider, error)

// SourceFactory opens a fresh capture source for one recording.
type SourceFactory func() capture.Source

type Recorder interface {
	StartRecording(ctx context.Context, mode Mode) (*models.Session, error)
	StopRecording(ctx context.Context) (*models.Session, error)
	Retry(ctx context.Context, sessionID string) (*models.Session, error)
	EditSegment(ctx context.Context, sessionID string, index int, text string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	Search(ctx context.Context, query string) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ClearAll(ctx context.Context) error
}

type recorder struct {
	sessions    mongorepo.SessionRepository
	settings    settings.Store
	providerFor ProviderFactory
	newSource   SourceFactory
	interval    time.Duration
	log         *logrus.Logger

	// mu guards the active pointer only; per-recording segment state has
	// its own mutex so chunk merges never contend with start/stop keeping.
	mu     sync.Mutex
	active *activeRecording

	// histMu serializes read-modify-write cycles on stored (non-active)
	// sessions so retries and edits never lose updates.
	histMu sync.Mutex
}

// activeRecording is the mutable state of the one in-progress session.
type activeRecording struct {
	segMu   sync.Mutex // serializes merges, edits, and audio growth
	session *models.Session

	source   capture.Source
	sched    *scheduler.Scheduler // nil in batch mode
	provider stt.Provider
	conf     models.Settings
	cancel   context.CancelFunc
	feedDone chan struct{}
}

func NewRecorder(sessions mongorepo.SessionRepository, cfg settings.Store, providerFor ProviderFactory, newSource SourceFactory, interval time.Duration, log *logrus.Logger) Recorder {
	if interval <= 0 {
		interval = scheduler.DefaultInterval
	}
	return &recorder{
		sessions:    sessions,
		settings:    cfg,
		providerFor: providerFor,
		newSource:   newSource,
		interval:    interval,
		log:         log,
	}
}

// StartRecording opens the capture source and begins a session. Exactly one
// session may be recording at a time; a second start is rejected outright.
func (r *recorder) StartRecording(ctx context.Context, mode Mode) (*models.Session, error) {
	const op = "Recorder.StartRecording"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, utils.E(utils.CodeConflict, op, "a recording is already in progress", nil)
	}

	conf, err := r.settings.Load(ctx)
	if err != nil {
		return nil, err
	}

	// acquire the device before creating any session state; a capture
	// failure must leave the history untouched
	src := r.newSource()
	frags, err := src.Start(ctx)
	if err != nil {
		_ = src.Close()
		if utils.IsCode(err, utils.CodeCapture) {
			return nil, err
		}
		return nil, utils.E(utils.CodeCapture, op, "failed to acquire audio device", err)
	}

	sess, baseOffset, reopened, err := r.targetSession(ctx, mode)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	provider, err := r.providerFor(ctx, conf)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	recCtx, cancel := context.WithCancel(context.Background())
	a := &activeRecording{
		session:  sess,
		source:   src,
		provider: provider,
		conf:     conf,
		cancel:   cancel,
		feedDone: make(chan struct{}),
	}

	if conf.StreamChunks {
		a.sched = scheduler.New(sess.ID, baseOffset, r.interval, provider,
			stt.Options{Language: conf.Language, Vocabulary: conf.CustomVocabulary},
			func(segs []models.Segment) { r.applyMerge(a, segs) },
			r.log,
		)
		a.sched.Start(recCtx)
	}

	if !conf.StreamChunks || reopened {
		if err := r.sessions.Put(ctx, sess.Clone()); err != nil {
			cancel()
			_ = src.Close()
			return nil, err
		}
	}

	go r.feed(a, frags)

	r.active = a
	r.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"mode":       mode,
		"streaming":  conf.StreamChunks,
	}).Info("recording started")
	return sess.Clone(), nil
}

// targetSession resolves new-vs-append. Append reopens the most recent
// session; with no history it falls back to a fresh one.
func (r *recorder) targetSession(ctx context.Context, mode Mode) (sess *models.Session, baseOffset int, reopened bool, err error) {
	if mode == ModeAppend {
		all, err := r.sessions.GetAll(ctx)
		if err != nil {
			return nil, 0, false, err
		}
		if len(all) > 0 {
			prev := all[0].Clone()
			prev.Status = models.StatusRecording
			prev.ErrorMessage = ""
			base := 0
			if n := len(prev.Segments); n > 0 {
				last, perr := timecode.Parse(prev.Segments[n-1].Timestamp)
				if perr == nil {
					base = last + scheduler.AppendPadSeconds
				}
			}
			return prev, base, true, nil
		}
	}
	return &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Status:    models.StatusRecording,
	}, 0, false, nil
}

// feed drains capture fragments into the session's audio and, in streaming
// mode, the scheduler's buffer. It exits when the source closes.
func (r *recorder) feed(a *activeRecording, frags <-chan capture.Fragment) {
	defer close(a.feedDone)
	for f := range frags {
		if len(f.Data) == 0 {
			continue
		}
		a.segMu.Lock()
		a.session.Audio = append(a.session.Audio, f.Data...)
		a.segMu.Unlock()
		if a.sched != nil {
			a.sched.Feed(f)
		}
	}
}

// applyMerge folds one chunk's segments into the active session and persists.
// Calls are serialized per session via segMu, so concurrent chunk completions
// never lose updates. A failed put keeps the in-memory state ahead of the
// store until the next merge or finalize writes again.
func (r *recorder) applyMerge(a *activeRecording, segs []models.Segment) {
	a.segMu.Lock()
	defer a.segMu.Unlock()

	a.session.Segments = merge.Segments(a.session.Segments, segs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.sessions.Put(ctx, a.session.Clone()); err != nil {
		r.log.WithError(err).WithField("session_id", a.session.ID).Warn("store write failed after chunk merge")
	}
}

// StopRecording closes the capture device (on every path), settles streaming
// work, and finalizes the session. Batch mode goes RECORDING→PENDING→
// COMPLETED|ERROR with a durable write before each observable transition;
// streaming mode goes straight to COMPLETED with the already-merged segments.
func (r *recorder) StopRecording(ctx context.Context) (*models.Session, error) {
	const op = "Recorder.StopRecording"

	// claim the recording inside the critical section so a concurrent stop
	// is rejected instead of finalizing the same session twice
	r.mu.Lock()
	a := r.active
	r.active = nil
	r.mu.Unlock()
	if a == nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "no recording in progress", nil)
	}

	// releasing the device is unconditional, even on error paths below
	_ = a.source.Close()
	<-a.feedDone

	var (
		out *models.Session
		err error
	)
	if a.sched != nil {
		out, err = r.finalizeStreaming(ctx, a)
	} else {
		out, err = r.finalizeBatch(ctx, a)
	}

	if err != nil {
		// the in-memory copy is the only complete one until a put lands;
		// keep the recording resident so a later stop can retry the write
		r.mu.Lock()
		if r.active == nil {
			r.active = a
		} else {
			r.log.WithField("session_id", a.session.ID).Error("unsaved session displaced by a new recording")
		}
		r.mu.Unlock()
		return out, err
	}

	a.cancel()
	_ = a.provider.Close()
	return out, nil
}

func (r *recorder) finalizeStreaming(ctx context.Context, a *activeRecording) (*models.Session, error) {
	// stop does not complete until the final flush settles; in-flight
	// submissions are awaited, not canceled
	a.sched.FinalFlush(ctx)

	a.segMu.Lock()
	defer a.segMu.Unlock()

	a.session.Status = models.StatusCompleted
	a.session.ErrorMessage = ""
	if err := r.sessions.Put(ctx, a.session.Clone()); err != nil {
		return a.session.Clone(), err
	}
	r.evict(ctx)

	r.log.WithFields(logrus.Fields{
		"session_id": a.session.ID,
		"segments":   len(a.session.Segments),
	}).Info("streaming session completed")
	return a.session.Clone(), nil
}

func (r *recorder) finalizeBatch(ctx context.Context, a *activeRecording) (*models.Session, error) {
	a.segMu.Lock()
	defer a.segMu.Unlock()

	// a retried stop after a failed put only re-persists the outcome
	if !a.session.IsTerminal() {
		a.session.Status = models.StatusPending
		if err := r.sessions.Put(ctx, a.session.Clone()); err != nil {
			return a.session.Clone(), err
		}

		r.transcribeInto(ctx, a.session, a.provider, a.conf)
	}

	if err := r.sessions.Put(ctx, a.session.Clone()); err != nil {
		return a.session.Clone(), err
	}
	r.evict(ctx)
	return a.session.Clone(), nil
}

// transcribeInto runs one full-audio transcription and writes the outcome
// onto the session: COMPLETED with a replaced segment set, or ERROR with the
// failure text. Shared by the batch stop path and Retry.
func (r *recorder) transcribeInto(ctx context.Context, sess *models.Session, provider stt.Provider, conf models.Settings) {
	segs, err := provider.Transcribe(ctx, sess.Audio, stt.Options{
		Language:   conf.Language,
		Vocabulary: conf.CustomVocabulary,
	})
	if err != nil {
		sess.Status = models.StatusError
		sess.ErrorMessage = utils.UserMessage(err)
		r.log.WithError(err).WithField("session_id", sess.ID).Error("transcription failed")
		return
	}
	sess.Segments = merge.Segments(nil, segs)
	sess.Status = models.StatusCompleted
	sess.ErrorMessage = ""
}

// Retry resubmits a failed session's full stored audio. Only ERROR sessions
// qualify; each attempt replaces the segment set, never appends.
func (r *recorder) Retry(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "Recorder.Retry"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	r.histMu.Lock()
	defer r.histMu.Unlock()

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, err
	}
	if sess.Status != models.StatusError {
		return nil, utils.E(utils.CodeInvalidArgument, op, "only failed sessions can be retried", nil)
	}

	sess.Status = models.StatusPending
	if err := r.sessions.Put(ctx, sess.Clone()); err != nil {
		return nil, err
	}

	conf, err := r.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	provider, err := r.providerFor(ctx, conf)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	r.transcribeInto(ctx, sess, provider, conf)

	if err := r.sessions.Put(ctx, sess.Clone()); err != nil {
		return nil, err
	}
	r.evict(ctx)
	return sess, nil
}

// EditSegment replaces the text at index, leaving the timestamp and position
// untouched, and persists the updated session. Valid in any state.
func (r *recorder) EditSegment(ctx context.Context, sessionID string, index int, text string) (*models.Session, error) {
	const op = "Recorder.EditSegment"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	// the active session is edited in place so a concurrent chunk merge
	// cannot clobber the edit
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a != nil && a.session.ID == sessionID {
		a.segMu.Lock()
		defer a.segMu.Unlock()
		if index < 0 || index >= len(a.session.Segments) {
			return nil, utils.E(utils.CodeInvalidArgument, op, "segment index out of range", nil)
		}
		a.session.Segments[index].Text = text
		if err := r.sessions.Put(ctx, a.session.Clone()); err != nil {
			return nil, err
		}
		return a.session.Clone(), nil
	}

	r.histMu.Lock()
	defer r.histMu.Unlock()

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, err
	}
	if index < 0 || index >= len(sess.Segments) {
		return nil, utils.E(utils.CodeInvalidArgument, op, "segment index out of range", nil)
	}
	sess.Segments[index].Text = text
	if err := r.sessions.Put(ctx, sess.Clone()); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *recorder) ListSessions(ctx context.Context) ([]models.Session, error) {
	return r.sessions.GetAll(ctx)
}

// Search filters the history by case-insensitive substring over segment text.
func (r *recorder) Search(ctx context.Context, query string) ([]models.Session, error) {
	all, err := r.sessions.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	if q == "" {
		return all, nil
	}
	var out []models.Session
	for _, sess := range all {
		for _, sg := range sess.Segments {
			if strings.Contains(strings.ToLower(sg.Text), q) {
				out = append(out, sess)
				break
			}
		}
	}
	return out, nil
}

// DeleteSession removes one stored session. The active recording cannot be
// deleted; it must be stopped first.
func (r *recorder) DeleteSession(ctx context.Context, sessionID string) error {
	const op = "Recorder.DeleteSession"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a != nil && a.session.ID == sessionID {
		return utils.E(utils.CodeConflict, op, "session is currently recording", nil)
	}

	r.histMu.Lock()
	defer r.histMu.Unlock()
	return r.sessions.Delete(ctx, sessionID)
}

func (r *recorder) ClearAll(ctx context.Context) error {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return r.sessions.Clear(ctx)
}

// evict trims the history to the retention limit after a terminal-state
// persist. Best-effort: failures are logged and swallowed.
func (r *recorder) evict(ctx context.Context) {
	removed, err := r.sessions.EvictBeyond(ctx, RetentionLimit)
	if err != nil {
		r.log.WithError(err).Warn("retention eviction failed")
		return
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Info("evicted sessions beyond retention limit")
	}
}
