package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/sitesync/internal/authority"
	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/store"
)

// DocState is the engine's per-document flush state.
type DocState string

const (
	DocStateIdle     DocState = "idle"
	DocStateFlushing DocState = "flushing"
	DocStateAwaiting DocState = "awaiting_resolution"
)

// Options tunes retry and parallelism behavior. Exact constants are tuning
// parameters, not correctness requirements.
type Options struct {
	BackoffBase    time.Duration // first retry delay on transient failure
	BackoffCeiling time.Duration // max retry delay
	RetryCeiling   int           // in-call attempts before reporting "sync delayed"
	FlushParallel  int           // max documents flushing concurrently
}

func (o *Options) defaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 5 * time.Minute
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 5
	}
	if o.FlushParallel <= 0 {
		o.FlushParallel = 4
	}
}

// Status is the aggregate sync state exposed to the UI: a status indicator,
// never a blocking dialog.
type Status struct {
	Online     bool `json:"online"`
	InProgress bool `json:"in_progress"`
	QueueDepth int  `json:"queue_depth"`
	Delayed    bool `json:"delayed"` // retries exhausted, will try again later
}

// Engine drains the sync queue against the remote authority. Flushes for one
// document are single-flight and strictly FIFO; different documents proceed
// in parallel. Divergence becomes a Conflict requiring an explicit Resolve;
// transient failures back off and retry; the engine never panics across the
// boundary, it exposes state instead.
type Engine struct {
	store  *store.Store
	remote authority.Authority
	online OnlineSignal
	opts   Options

	mu       sync.Mutex
	flushing map[string]bool
	states   map[string]DocState
	delayed  map[string]bool
}

// New creates an Engine. The store and authority are injected; there are no
// package-level singletons, so tests construct engines freely.
func New(st *store.Store, remote authority.Authority, online OnlineSignal, opts Options) *Engine {
	opts.defaults()
	return &Engine{
		store:    st,
		remote:   remote,
		online:   online,
		opts:     opts,
		flushing: make(map[string]bool),
		states:   make(map[string]DocState),
		delayed:  make(map[string]bool),
	}
}

// State returns the engine's flush state for one document.
func (e *Engine) State(docID string) DocState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[docID]; ok {
		return s
	}
	return DocStateIdle
}

// Status returns the aggregate sync status.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	depth, err := e.store.Queue().Depth(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	inProgress := len(e.flushing) > 0
	delayed := len(e.delayed) > 0
	e.mu.Unlock()

	return &Status{
		Online:     e.online.Online(),
		InProgress: inProgress,
		QueueDepth: depth,
		Delayed:    delayed,
	}, nil
}

// SyncAll flushes every document with pending entries. Documents flush
// independently and in parallel, bounded by FlushParallel.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.online.Online() {
		return nil
	}
	ids, err := e.store.Queue().DocumentsWithPending(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FlushParallel)
	for _, id := range ids {
		g.Go(func() error {
			return e.FlushDocument(ctx, id)
		})
	}
	return g.Wait()
}

// FlushDocument drains one document's queue head-first. A second call while a
// flush is in flight returns immediately; queue ordering is preserved by the
// single-flight guard. Connectivity loss mid-flight is a transient failure,
// never a hard error.
func (e *Engine) FlushDocument(ctx context.Context, docID string) error {
	if !e.online.Online() {
		return nil
	}

	e.mu.Lock()
	if e.flushing[docID] {
		e.mu.Unlock()
		return nil
	}
	e.flushing[docID] = true
	e.states[docID] = DocStateFlushing
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.flushing, docID)
		if e.states[docID] == DocStateFlushing {
			e.states[docID] = DocStateIdle
		}
		e.mu.Unlock()
	}()

	for {
		conflict, err := e.store.OpenConflict(ctx, docID)
		if err != nil {
			return err
		}
		if conflict != nil {
			// terminal until a resolution arrives; later mutations keep
			// enqueuing but are not flushed, to avoid compounding divergence
			e.setState(docID, DocStateAwaiting)
			return nil
		}

		entry, err := e.store.Queue().PeekNext(ctx, docID)
		if err != nil {
			return err
		}
		if entry == nil {
			e.clearDelayed(docID)
			return nil
		}
		if !entry.Ready(time.Now()) {
			// backoff window from a previous pass still applies
			return nil
		}

		result, err := e.applyWithRetry(ctx, docID, entry)
		if err != nil {
			if apperrors.IsTransient(err) {
				return e.markDelayed(ctx, docID, entry)
			}
			return err
		}

		if !result.Accepted {
			if err := e.raiseConflict(ctx, docID, result); err != nil {
				return err
			}
			e.setState(docID, DocStateAwaiting)
			return nil
		}

		if _, err := e.store.ConfirmFlushed(ctx, entry, result.NewVersion); err != nil {
			return err
		}
		e.clearDelayed(docID)
		logging.Debug("entry flushed", map[string]interface{}{
			"document_id": docID,
			"entry_id":    string(entry.EntryID),
			"new_version": result.NewVersion,
		})
	}
}

// applyWithRetry attempts the remote apply, retrying transient failures with
// exponential backoff up to the configured ceiling. A rejection (stale base)
// is returned as a result, never retried blindly.
func (e *Engine) applyWithRetry(ctx context.Context, docID string, entry *models.SyncQueueEntry) (*authority.ApplyResult, error) {
	backoff := retry.WithMaxRetries(uint64(e.opts.RetryCeiling),
		retry.WithCappedDuration(e.opts.BackoffCeiling, retry.NewExponential(e.opts.BackoffBase)))

	var result *authority.ApplyResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := e.remote.ApplyMutation(ctx, docID, authority.MutationRequest{
			EntryID:        string(entry.EntryID),
			AuthorID:       entry.AuthorID,
			BasedOnVersion: entry.BasedOnVersion,
			Payload:        entry.Payload,
		})
		if err != nil {
			if apperrors.IsTransient(err) && e.online.Online() {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// markDelayed records exhausted retries: the entry stays queued with a
// scheduled next attempt, and the status surface reports "sync delayed"
// rather than an error.
func (e *Engine) markDelayed(ctx context.Context, docID string, entry *models.SyncQueueEntry) error {
	next := time.Now().Add(backoffDelay(entry.AttemptCount+1, e.opts.BackoffBase, e.opts.BackoffCeiling))
	if err := e.store.Queue().RequeueWithBackoff(ctx, entry.EntryID, next); err != nil {
		return err
	}
	e.mu.Lock()
	e.delayed[docID] = true
	e.mu.Unlock()

	logging.Warn("sync delayed", map[string]interface{}{
		"document_id":  docID,
		"entry_id":     string(entry.EntryID),
		"attempts":     entry.AttemptCount + 1,
		"next_attempt": next.Unix(),
	})
	return nil
}

// raiseConflict turns a stale-base rejection into an open Conflict. The
// rejection carries the remote head; if an older authority build omitted it,
// fetch it.
func (e *Engine) raiseConflict(ctx context.Context, docID string, result *authority.ApplyResult) error {
	content := result.CurrentContent
	version := result.CurrentVersion
	if len(content) == 0 {
		snap, err := e.remote.FetchLatest(ctx, docID)
		if err != nil {
			return err
		}
		content = snap.Content
		version = snap.Version
	}
	_, err := e.store.RaiseConflict(ctx, docID, version, content)
	return err
}

// Resolve applies a user decision to an open conflict and, for resolutions
// that leave new pending entries, immediately re-attempts the flush.
func (e *Engine) Resolve(ctx context.Context, docID string, mode models.Resolution, mergedPayload json.RawMessage, authorID string) (*store.ResolveResult, error) {
	result, err := e.store.Resolve(ctx, docID, mode, mergedPayload, authorID)
	if err != nil {
		return nil, err
	}
	e.setState(docID, DocStateIdle)

	if mode == models.ResolutionKeepLocal || mode == models.ResolutionMerge {
		if err := e.FlushDocument(ctx, docID); err != nil {
			logging.Error("post-resolution flush failed", err, map[string]interface{}{"document_id": docID})
		}
	}
	return result, nil
}

// Refresh pulls the latest remote snapshot for a document and reconciles it
// into the store, surfacing a conflict if local pending mutations diverge.
func (e *Engine) Refresh(ctx context.Context, docID string) (*models.Document, *models.Conflict, error) {
	snap, err := e.remote.FetchLatest(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	return e.store.ApplyRemoteSnapshot(ctx, docID, snap.Version, snap.Content, "remote")
}

func (e *Engine) setState(docID string, s DocState) {
	e.mu.Lock()
	e.states[docID] = s
	e.mu.Unlock()
}

func (e *Engine) clearDelayed(docID string) {
	e.mu.Lock()
	delete(e.delayed, docID)
	e.mu.Unlock()
}

// backoffDelay computes the persisted between-pass delay: base * 2^(n-1),
// capped at ceiling.
func backoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
