package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/providers/stt"
	"github.com/voxlog/voxlog/internal/utils"
)

// memRepo is an in-memory SessionRepository.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	failPut  bool
	failSkip int // number of puts to let through before failing
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: map[string]models.Session{}}
}

func (m *memRepo) Put(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		if m.failSkip > 0 {
			m.failSkip--
		} else {
			return utils.E(utils.CodeUnavailable, "memRepo.Put", "store down", nil)
		}
	}
	m.sessions[s.ID] = *s.Clone()
	return nil
}

func (m *memRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memRepo) GetAll(ctx context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memRepo) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = map[string]models.Session{}
	return nil
}

func (m *memRepo) EvictBeyond(ctx context.Context, limit int) (int, error) {
	all, _ := m.GetAll(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for i := limit; i < len(all); i++ {
		delete(m.sessions, all[i].ID)
		removed++
	}
	return removed, nil
}

func (m *memRepo) stored(id string) (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// memSettings serves a fixed Settings value.
type memSettings struct{ conf models.Settings }

func (m *memSettings) Load(ctx context.Context) (models.Settings, error) { return m.conf, nil }
func (m *memSettings) Save(ctx context.Context, s models.Settings) error {
	m.conf = s
	return nil
}

// scriptedProvider returns canned results per call, in order.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	audio   [][]byte
	script  []func() ([]models.Segment, error)
	closedN int
}

func (p *scriptedProvider) Transcribe(ctx context.Context, audio []byte, opts stt.Options) ([]models.Segment, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.audio = append(p.audio, append([]byte(nil), audio...))
	p.mu.Unlock()
	if n < len(p.script) {
		return p.script[n]()
	}
	return nil, nil
}

func (p *scriptedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closedN++
	return nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func segsOf(ts ...[2]string) func() ([]models.Segment, error) {
	out := make([]models.Segment, len(ts))
	for i, t := range ts {
		out[i] = models.Segment{Timestamp: t[0], Text: t[1]}
	}
	return func() ([]models.Segment, error) { return out, nil }
}

func fails(msg string) func() ([]models.Segment, error) {
	return func() ([]models.Segment, error) {
		return nil, utils.E(utils.CodeProvider, "scriptedProvider", msg, nil)
	}
}

type harness struct {
	repo     *memRepo
	provider *scriptedProvider
	source   *capture.BufferSource
	rec      Recorder
}

func newHarness(t *testing.T, conf models.Settings, script ...func() ([]models.Segment, error)) *harness {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	h := &harness{
		repo:     newMemRepo(),
		provider: &scriptedProvider{script: script},
		source:   capture.NewBufferSource(),
	}
	h.rec = NewRecorder(
		h.repo,
		&memSettings{conf: conf},
		func(ctx context.Context, s models.Settings) (stt.Provider, error) { return h.provider, nil },
		func() capture.Source { return h.source },
		5*time.Second, // flushes are driven manually; no test outlives a tick
		log,
	)
	return h
}

func batchConf() models.Settings {
	c := models.DefaultSettings()
	c.StreamChunks = false
	return c
}

func streamConf() models.Settings {
	c := models.DefaultSettings()
	c.StreamChunks = true
	return c
}

func TestStartStopBatchCompletes(t *testing.T) {
	// Scenario A: one segment back from the provider, session completed
	// and durably stored.
	h := newHarness(t, batchConf(), segsOf([2]string{"00:05", "hello"}))
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if sess.Status != models.StatusRecording {
		t.Fatalf("status = %s, want recording", sess.Status)
	}

	h.source.Push([]byte("audio-bytes"))
	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if len(done.Segments) != 1 || done.Segments[0].Timestamp != "00:05" || done.Segments[0].Text != "hello" {
		t.Fatalf("segments = %+v", done.Segments)
	}

	stored, ok := h.repo.stored(sess.ID)
	if !ok {
		t.Fatal("session not durably stored")
	}
	if stored.Status != models.StatusCompleted || len(stored.Segments) != 1 {
		t.Fatalf("stored = %+v", stored)
	}
	if string(h.provider.audio[0]) != "audio-bytes" {
		t.Errorf("provider got %q, want the full captured audio", h.provider.audio[0])
	}
	if !h.source.Closed() {
		t.Error("capture device not released")
	}
}

func TestSingleWriterRejectsSecondStart(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf())
	ctx := context.Background()

	if _, err := h.rec.StartRecording(ctx, ModeNew); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	_, err := h.rec.StartRecording(ctx, ModeNew)
	if !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("second start: got %v, want CONFLICT", err)
	}
	if _, err := h.rec.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestCaptureFailureCreatesNoSession(t *testing.T) {
	h := newHarness(t, batchConf())
	h.source.FailStart = true

	_, err := h.rec.StartRecording(context.Background(), ModeNew)
	if !utils.IsCode(err, utils.CodeCapture) {
		t.Fatalf("got %v, want CAPTURE", err)
	}
	if h.repo.count() != 0 {
		t.Error("a session was created despite capture failure")
	}
	if !h.source.Closed() {
		t.Error("source not closed on the error path")
	}
	// the failed start must not hold the single-writer slot
	h2src := capture.NewBufferSource()
	h.sourceSwap(h2src)
	if _, err := h.rec.StartRecording(context.Background(), ModeNew); err != nil {
		t.Fatalf("start after capture failure: %v", err)
	}
}

func (h *harness) sourceSwap(s *capture.BufferSource) { h.source = s }

func TestFinalizeFailureThenRetry(t *testing.T) {
	// Scenario B: provider fails at finalize, session goes ERROR with the
	// message; a succeeding retry replaces the outcome.
	h := newHarness(t, batchConf(),
		fails("auth expired"),
		segsOf([2]string{"00:02", "take two"}),
	)
	ctx := context.Background()

	sess, _ := h.rec.StartRecording(ctx, ModeNew)
	h.source.Push([]byte("audio"))
	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if done.Status != models.StatusError {
		t.Fatalf("status = %s, want error", done.Status)
	}
	if done.ErrorMessage == "" {
		t.Fatal("error message missing")
	}

	retried, err := h.rec.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != models.StatusCompleted {
		t.Fatalf("status after retry = %s", retried.Status)
	}
	if retried.ErrorMessage != "" {
		t.Error("error message not discarded on success")
	}
	if len(retried.Segments) != 1 || retried.Segments[0].Text != "take two" {
		t.Fatalf("segments = %+v", retried.Segments)
	}
	// retry resubmits the full original audio
	if string(h.provider.audio[1]) != "audio" {
		t.Errorf("retry audio = %q", h.provider.audio[1])
	}
}

func TestRetryReplacesNeverAppends(t *testing.T) {
	h := newHarness(t, batchConf(),
		fails("down"),
		fails("still down"),
		segsOf([2]string{"00:01", "finally"}),
	)
	ctx := context.Background()

	sess, _ := h.rec.StartRecording(ctx, ModeNew)
	h.source.Push([]byte("a"))
	_, _ = h.rec.StopRecording(ctx)

	// first retry fails again: still ERROR, still retryable
	after1, err := h.rec.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry #1: %v", err)
	}
	if after1.Status != models.StatusError {
		t.Fatalf("status = %s", after1.Status)
	}

	after2, err := h.rec.Retry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Retry #2: %v", err)
	}
	if len(after2.Segments) != 1 {
		t.Fatalf("segments duplicated across retries: %+v", after2.Segments)
	}
}

func TestRetryOnCompletedIsRejected(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf([2]string{"00:01", "ok"}))
	ctx := context.Background()

	sess, _ := h.rec.StartRecording(ctx, ModeNew)
	h.source.Push([]byte("a"))
	_, _ = h.rec.StopRecording(ctx)

	_, err := h.rec.Retry(ctx, sess.ID)
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("got %v, want INVALID_ARGUMENT", err)
	}
}

func TestEditSegmentPreservesOrderAndTimestamp(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf(
		[2]string{"00:05", "alpha"},
		[2]string{"00:10", "beta"},
	))
	ctx := context.Background()

	sess, _ := h.rec.StartRecording(ctx, ModeNew)
	h.source.Push([]byte("a"))
	_, _ = h.rec.StopRecording(ctx)

	got, err := h.rec.EditSegment(ctx, sess.ID, 0, "zulu")
	if err != nil {
		t.Fatalf("EditSegment: %v", err)
	}
	if got.Segments[0].Text != "zulu" || got.Segments[0].Timestamp != "00:05" {
		t.Fatalf("segments[0] = %+v", got.Segments[0])
	}
	if got.Segments[1].Text != "beta" {
		t.Fatalf("neighbor disturbed: %+v", got.Segments[1])
	}

	stored, _ := h.repo.stored(sess.ID)
	if stored.Segments[0].Text != "zulu" {
		t.Error("edit not persisted")
	}

	if _, err := h.rec.EditSegment(ctx, sess.ID, 5, "x"); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Errorf("out-of-range edit: got %v", err)
	}
}

func TestStreamingOutOfOrderChunksMergeSorted(t *testing.T) {
	// Scenario C: chunk 2's response lands before chunk 1's; display order
	// still follows the capture-time offsets.
	firstGate := make(chan struct{})
	h := newHarness(t, streamConf(),
		func() ([]models.Segment, error) {
			<-firstGate
			return []models.Segment{{Timestamp: "00:01", Text: "early"}}, nil
		},
		func() ([]models.Segment, error) {
			defer close(firstGate)
			return []models.Segment{{Timestamp: "00:01", Text: "late"}}, nil
		},
	)
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	h.source.Push([]byte("chunk-one"))
	h.flushActive(t)
	h.source.Push([]byte("chunk-two"))

	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if len(done.Segments) != 2 {
		t.Fatalf("segments = %+v", done.Segments)
	}
	if done.Segments[0].Text != "early" || done.Segments[0].Timestamp != "00:01" {
		t.Errorf("segments[0] = %+v", done.Segments[0])
	}
	if done.Segments[1].Text != "late" || done.Segments[1].Timestamp != "00:06" {
		t.Errorf("segments[1] = %+v", done.Segments[1])
	}
	stored, ok := h.repo.stored(sess.ID)
	if !ok || len(stored.Segments) != 2 {
		t.Fatalf("durable copy = %+v", stored)
	}
}

func TestStreamingChunkFailureKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, streamConf(),
		fails("blip"),
		segsOf([2]string{"00:00", "survived"}),
	)
	ctx := context.Background()

	_, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	h.source.Push([]byte("doomed"))
	h.flushActive(t)
	h.source.Push([]byte("fine"))

	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("chunk failure escalated: status = %s, err = %q", done.Status, done.ErrorMessage)
	}
	if len(done.Segments) != 1 || done.Segments[0].Text != "survived" {
		t.Fatalf("segments = %+v", done.Segments)
	}
}

func TestStreamingHoldsFirstWriteUntilFlush(t *testing.T) {
	h := newHarness(t, streamConf(), segsOf([2]string{"00:00", "hi"}))
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, ok := h.repo.stored(sess.ID); ok {
		t.Fatal("streaming session persisted before first flush")
	}

	h.source.Push([]byte("x"))
	if _, err := h.rec.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, ok := h.repo.stored(sess.ID); !ok {
		t.Fatal("session not persisted at finalize")
	}
}

func TestAppendModeBaseOffsetPadsLastSegment(t *testing.T) {
	// Scenario D: last segment at 00:10, new chunks start at 15.
	h := newHarness(t, streamConf(), segsOf([2]string{"00:00", "appended"}))
	ctx := context.Background()

	prior := &models.Session{
		ID:        "prior",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		Status:    models.StatusCompleted,
		Segments: []models.Segment{
			{Timestamp: "00:02", Text: "old"},
			{Timestamp: "00:10", Text: "older end"},
		},
	}
	if err := h.repo.Put(ctx, prior); err != nil {
		t.Fatal(err)
	}

	sess, err := h.rec.StartRecording(ctx, ModeAppend)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if sess.ID != "prior" {
		t.Fatalf("append targeted %q, want the most recent session", sess.ID)
	}

	h.source.Push([]byte("more"))
	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if len(done.Segments) != 3 {
		t.Fatalf("segments = %+v", done.Segments)
	}
	last := done.Segments[2]
	if last.Timestamp != "00:15" || last.Text != "appended" {
		t.Fatalf("appended segment = %+v, want offset 15 (10 + 5 pad)", last)
	}
}

func TestAppendModeFallsBackToNewWhenHistoryEmpty(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf())
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeAppend)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if sess.ID == "" || sess.Status != models.StatusRecording {
		t.Fatalf("fallback session = %+v", sess)
	}
	_, _ = h.rec.StopRecording(ctx)
}

func TestRetentionEvictsOldestBeyondLimit(t *testing.T) {
	// Scenario E: the 21st completed session evicts the single oldest.
	h := newHarness(t, batchConf(), segsOf([2]string{"00:01", "newest"}))
	ctx := context.Background()

	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < RetentionLimit; i++ {
		s := &models.Session{
			ID:        "old-" + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    models.StatusCompleted,
		}
		if err := h.repo.Put(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	_, _ = h.rec.StartRecording(ctx, ModeNew)
	h.source.Push([]byte("a"))
	if _, err := h.rec.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	all, err := h.rec.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != RetentionLimit {
		t.Fatalf("history size = %d, want %d", len(all), RetentionLimit)
	}
	for _, s := range all {
		if s.ID == "old-a" {
			t.Fatal("oldest session survived eviction")
		}
	}
}

func TestSearchMatchesCaseInsensitive(t *testing.T) {
	h := newHarness(t, batchConf())
	ctx := context.Background()

	_ = h.repo.Put(ctx, &models.Session{
		ID: "s1", CreatedAt: time.Now().UTC(), Status: models.StatusCompleted,
		Segments: []models.Segment{{Timestamp: "00:01", Text: "Quarterly Budget review"}},
	})
	_ = h.repo.Put(ctx, &models.Session{
		ID: "s2", CreatedAt: time.Now().UTC(), Status: models.StatusCompleted,
		Segments: []models.Segment{{Timestamp: "00:01", Text: "standup notes"}},
	})

	got, err := h.rec.Search(ctx, "bUdGeT")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("search result = %+v", got)
	}
}

func TestDeleteSessionRemovesStoredOnly(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf())
	ctx := context.Background()

	_ = h.repo.Put(ctx, &models.Session{ID: "old", CreatedAt: time.Now().UTC(), Status: models.StatusCompleted})
	if err := h.rec.DeleteSession(ctx, "old"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok := h.repo.stored("old"); ok {
		t.Error("session still stored")
	}

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.rec.DeleteSession(ctx, sess.ID); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("deleting the active session: got %v, want CONFLICT", err)
	}
	_, _ = h.rec.StopRecording(ctx)
}

func TestClearAllEmptiesHistory(t *testing.T) {
	h := newHarness(t, batchConf())
	ctx := context.Background()

	_ = h.repo.Put(ctx, &models.Session{ID: "s1", CreatedAt: time.Now().UTC(), Status: models.StatusCompleted})
	if err := h.rec.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if h.repo.count() != 0 {
		t.Error("history not cleared")
	}
}

func TestStopWithoutStartIsRejected(t *testing.T) {
	h := newHarness(t, batchConf())
	_, err := h.rec.StopRecording(context.Background())
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("got %v", err)
	}
}

func TestPersistenceFailurePropagates(t *testing.T) {
	h := newHarness(t, batchConf(), segsOf([2]string{"00:01", "x"}))
	ctx := context.Background()

	_, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.source.Push([]byte("a"))

	h.repo.mu.Lock()
	h.repo.failPut = true
	h.repo.mu.Unlock()

	_, err = h.rec.StopRecording(ctx)
	if !utils.IsCode(err, utils.CodeUnavailable) {
		t.Fatalf("got %v, want UNAVAILABLE", err)
	}
	if !h.source.Closed() {
		t.Error("device must be released even when persistence fails")
	}
}

func TestConcurrentStopFinalizesOnce(t *testing.T) {
	// two overlapping stops must not finalize the same session twice; the
	// second caller finds no recording and is rejected
	release := make(chan struct{})
	h := newHarness(t, batchConf(), func() ([]models.Segment, error) {
		<-release
		return []models.Segment{{Timestamp: "00:01", Text: "once"}}, nil
	})
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.source.Push([]byte("a"))

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.rec.StopRecording(ctx)
		firstErr <- err
	}()

	// wait for the first stop to reach the provider
	deadline := time.Now().Add(time.Second)
	for h.provider.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first stop never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := h.rec.StopRecording(ctx); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("overlapping stop: got %v, want INVALID_ARGUMENT", err)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Fatalf("session transcribed %d times for one stop, want 1", n)
	}
	stored, ok := h.repo.stored(sess.ID)
	if !ok || stored.Status != models.StatusCompleted {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestStopRetriedAfterStoreFailure(t *testing.T) {
	// a failed terminal write keeps the recording resident; a second stop
	// persists the already-transcribed outcome without a new transcription
	h := newHarness(t, batchConf(), segsOf([2]string{"00:01", "kept"}))
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.source.Push([]byte("a"))

	h.repo.mu.Lock()
	h.repo.failPut = true
	h.repo.failSkip = 1 // the pending write lands, the completed one fails
	h.repo.mu.Unlock()

	if _, err := h.rec.StopRecording(ctx); !utils.IsCode(err, utils.CodeUnavailable) {
		t.Fatalf("got %v, want UNAVAILABLE", err)
	}

	// the unsaved session still holds the single-writer slot
	if _, err := h.rec.StartRecording(ctx, ModeNew); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("start over an unsaved session: got %v, want CONFLICT", err)
	}

	h.repo.mu.Lock()
	h.repo.failPut = false
	h.repo.mu.Unlock()

	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if done.Status != models.StatusCompleted || len(done.Segments) != 1 {
		t.Fatalf("session = %+v", done)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Fatalf("audio re-transcribed on the retried stop: %d calls", n)
	}
	stored, ok := h.repo.stored(sess.ID)
	if !ok || stored.Status != models.StatusCompleted {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestEditDuringInFlightChunkMerge(t *testing.T) {
	// an edit issued while a chunk transcription is in flight must survive
	// the merge that lands after it
	release := make(chan struct{})
	h := newHarness(t, streamConf(),
		segsOf([2]string{"00:00", "rough"}),
		func() ([]models.Segment, error) {
			<-release
			return []models.Segment{{Timestamp: "00:01", Text: "second"}}, nil
		},
	)
	ctx := context.Background()

	sess, err := h.rec.StartRecording(ctx, ModeNew)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	h.source.Push([]byte("one"))
	h.flushActive(t)

	// the edit needs the first merge to have landed
	deadline := time.Now().Add(time.Second)
	for {
		if s, ok := h.repo.stored(sess.ID); ok && len(s.Segments) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first chunk never merged")
		}
		time.Sleep(time.Millisecond)
	}

	h.source.Push([]byte("two"))
	h.flushActive(t)

	// second chunk is now inside the provider
	deadline = time.Now().Add(time.Second)
	for h.provider.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second chunk never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.rec.EditSegment(ctx, sess.ID, 0, "fixed"); err != nil {
		t.Fatalf("EditSegment: %v", err)
	}

	close(release)
	done, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(done.Segments) != 2 {
		t.Fatalf("segments = %+v", done.Segments)
	}
	if done.Segments[0].Text != "fixed" || done.Segments[0].Timestamp != "00:00" {
		t.Errorf("segments[0] = %+v, want the edit preserved", done.Segments[0])
	}
	if done.Segments[1].Text != "second" || done.Segments[1].Timestamp != "00:06" {
		t.Errorf("segments[1] = %+v", done.Segments[1])
	}
}

// flushActive reaches into the recorder to trigger one scheduler flush, the
// manual stand-in for the cadence tick.
func (h *harness) flushActive(t *testing.T) {
	t.Helper()
	rec, ok := h.rec.(*recorder)
	if !ok {
		t.Fatal("recorder type changed")
	}
	rec.mu.Lock()
	a := rec.active
	rec.mu.Unlock()
	if a == nil || a.sched == nil {
		t.Fatal("no active streaming recording")
	}
	// wait until the feed goroutine has delivered the pushed fragment
	deadline := time.Now().Add(time.Second)
	for a.sched.Buffered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fragment never reached the scheduler")
		}
		time.Sleep(time.Millisecond)
	}
	a.sched.FlushNow(context.Background())
}
