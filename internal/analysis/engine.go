package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// PublishFunc delivers a completed artifact's diagnostics to the client.
type PublishFunc func(uri protocol.DocumentURI, version int32, diagnostics []protocol.Diagnostic)

// Per-document run state: idle -> scheduled -> running -> idle.
type runState int

const (
	idle runState = iota
	scheduled
	running
)

const (
	defaultDebounce      = 200 * time.Millisecond
	defaultMaxConcurrent = 4
)

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce sets the quiet period that coalesces edit bursts into one run.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// WithMaxConcurrent bounds the number of analyses running at once; excess
// scheduled work queues on the semaphore.
func WithMaxConcurrent(n int64) Option {
	return func(e *Engine) { e.sem = semaphore.NewWeighted(n) }
}

// Engine schedules analyzer runs per document: debounced after edits,
// immediate after open, cooperatively cancelled when edits outrun analysis.
type Engine struct {
	store    *document.Store
	analyzer Analyzer
	publish  PublishFunc
	logger   *zap.Logger
	debounce time.Duration
	sem      *semaphore.Weighted

	mu   sync.Mutex
	docs map[protocol.DocumentURI]*docState
}

type docState struct {
	state  runState
	timer  *time.Timer
	cancel context.CancelFunc
	rerun  bool

	artifact *Artifact
	updated  chan struct{} // closed and replaced whenever artifact changes

	pubMu     sync.Mutex // serializes publications for this document
	published int32      // highest version published so far
	dropped   bool       // set by Drop; no publications after this
}

// NewEngine creates an engine over the given store and analyzer. publish is
// called with each newly completed artifact's diagnostics, in version order
// per document.
func NewEngine(store *document.Store, analyzer Analyzer, publish PublishFunc, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		analyzer: analyzer,
		publish:  publish,
		logger:   logger,
		debounce: defaultDebounce,
		docs:     make(map[protocol.DocumentURI]*docState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sem == nil {
		e.sem = semaphore.NewWeighted(defaultMaxConcurrent)
	}
	return e
}

func (e *Engine) stateLocked(uri protocol.DocumentURI) *docState {
	st := e.docs[uri]
	if st == nil {
		st = &docState{updated: make(chan struct{})}
		e.docs[uri] = st
	}
	return st
}

// ScheduleNow runs an analysis without debouncing. Used for the first
// analysis after open, which should give fast initial feedback.
func (e *Engine) ScheduleNow(uri protocol.DocumentURI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(uri)
	switch st.state {
	case idle:
		st.state = scheduled
		go e.run(uri)
	case scheduled:
		if st.timer != nil && st.timer.Stop() {
			st.timer = nil
			go e.run(uri)
		}
	case running:
		if st.cancel != nil {
			st.cancel()
		}
		st.rerun = true
	}
}

// Schedule requests a debounced analysis after an edit. A burst of edits
// within the debounce window coalesces into a single run against the final
// text. An edit during a run cancels it and queues a fresh run.
func (e *Engine) Schedule(uri protocol.DocumentURI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(uri)
	switch st.state {
	case idle:
		st.state = scheduled
		st.timer = time.AfterFunc(e.debounce, func() { e.fire(uri) })
	case scheduled:
		if st.timer != nil {
			st.timer.Reset(e.debounce)
		}
	case running:
		if st.cancel != nil {
			st.cancel()
		}
		st.rerun = true
	}
}

// fire is the debounce timer callback: scheduled -> running.
func (e *Engine) fire(uri protocol.DocumentURI) {
	e.mu.Lock()
	st := e.docs[uri]
	if st == nil || st.state != scheduled {
		e.mu.Unlock()
		return
	}
	st.timer = nil
	e.mu.Unlock()
	e.run(uri)
}

// Drop cancels scheduled and in-flight analysis for uri and discards its
// artifact. It returns only once any in-flight publication has finished, and
// no publication for uri happens afterwards, so the caller's own clearing
// notification cannot be overtaken by a stale one. Called when the document
// closes.
func (e *Engine) Drop(uri protocol.DocumentURI) {
	e.mu.Lock()
	st := e.docs[uri]
	if st == nil {
		e.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.cancel != nil {
		st.cancel()
	}
	close(st.updated) // release waiters; they observe the missing doc
	delete(e.docs, uri)
	e.mu.Unlock()

	st.pubMu.Lock()
	st.dropped = true
	st.pubMu.Unlock()
}

// Artifact returns the latest completed artifact for uri, or nil.
func (e *Engine) Artifact(uri protocol.DocumentURI) *Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.docs[uri]; st != nil {
		return st.artifact
	}
	return nil
}

// Wait blocks until an artifact with version >= minVersion exists, or ctx
// expires. On timeout it returns the best available (possibly stale, possibly
// nil) artifact.
func (e *Engine) Wait(ctx context.Context, uri protocol.DocumentURI, minVersion int32) *Artifact {
	for {
		e.mu.Lock()
		st := e.docs[uri]
		if st == nil {
			e.mu.Unlock()
			return nil
		}
		art, updated := st.artifact, st.updated
		e.mu.Unlock()

		if art != nil && art.Version >= minVersion {
			return art
		}
		select {
		case <-updated:
		case <-ctx.Done():
			return art
		}
	}
}

// run executes one analysis, then returns the document to idle whether it
// completed, failed, or was cancelled for a rerun.
func (e *Engine) run(uri protocol.DocumentURI) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	st := e.docs[uri]
	if st == nil {
		e.mu.Unlock()
		return
	}
	st.state = running
	st.cancel = cancel
	e.mu.Unlock()

	finished := func() {
		e.mu.Lock()
		st := e.docs[uri]
		if st == nil {
			e.mu.Unlock()
			return
		}
		st.state = idle
		st.cancel = nil
		rerun := st.rerun
		st.rerun = false
		e.mu.Unlock()
		if rerun {
			// The queued run was already debounced by the one that just ended.
			e.ScheduleNow(uri)
		}
	}
	defer finished()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return // cancelled while queued
	}
	defer e.sem.Release(1)

	snap, err := e.store.Snapshot(uri)
	if err != nil {
		return // closed before the run started
	}

	art, err := e.analyzer.Analyze(ctx, snap)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return // partial output discarded; rerun handles the newer text
	case err != nil:
		e.logger.Warn("analysis failed",
			zap.String("uri", string(snap.URI)),
			zap.Int32("version", snap.Version),
			zap.Error(err))
		art = e.degradedArtifact(snap)
	}
	e.complete(uri, art)
}

// degradedArtifact preserves the previous diagnostics (or none) at the failed
// snapshot's version, so analyzer failures never go fatal.
func (e *Engine) degradedArtifact(snap document.Snapshot) *Artifact {
	prev := e.Artifact(snap.URI)
	art := &Artifact{URI: snap.URI, Version: snap.Version, Degraded: true}
	if prev != nil {
		art.Diagnostics = prev.Diagnostics
	}
	return art
}

// complete stores the artifact if it is newer than the stored one (monotonic
// replace) and publishes its diagnostics in version order.
func (e *Engine) complete(uri protocol.DocumentURI, art *Artifact) {
	e.mu.Lock()
	st := e.docs[uri]
	if st == nil {
		e.mu.Unlock()
		return // document closed while we were finishing
	}
	if st.artifact != nil && art.Version <= st.artifact.Version {
		e.mu.Unlock()
		return // lost the race to a newer run
	}
	st.artifact = art
	close(st.updated)
	st.updated = make(chan struct{})
	e.mu.Unlock()

	if e.publish == nil {
		return
	}
	// pubMu serializes the version check and the network write, so an older
	// result can never hit the wire after a newer one.
	st.pubMu.Lock()
	defer st.pubMu.Unlock()
	if st.dropped {
		return // document closed between the store and the publish
	}
	if art.Version <= st.published && st.published != 0 {
		return
	}
	st.published = art.Version
	e.publish(uri, art.Version, art.Diagnostics)
}
