// Package mutation applies local edits to the cache immediately, sends them to
// the backend and then commits or rolls them back.
//
// Each key has a line of outstanding operations over a confirmed base value.
// The cache displays the base with the changes of every operation that is
// still outstanding or was accepted. Resolutions are folded into the base in
// issue order, so an operation that resolves early waits behind earlier ones.
package mutation

import (
	"context"
	"errors"
	"sync"
	"time"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/invalidation"

	"go.uber.org/zap"
)

type op struct {
	changes  map[string]any
	previous cache.Entry
	done     bool
	outcome  Outcome
	version  int64
	record   cache.Record
}

type line struct {
	base    cache.Entry
	hasBase bool
	ops     []*op
}

// displayed is the base with every outstanding or accepted edit replayed on top.
func (ln *line) displayed() cache.Record {
	value, _ := cache.AsRecord(ln.base.Value)
	for _, o := range ln.ops {
		if !o.done || o.outcome == Committed {
			value = value.Merge(o.changes)
		}
	}
	return value
}

// Executor runs optimistic mutations against one cache.
type Executor struct {
	mu       sync.Mutex
	lines    map[cache.Key]*line
	store    Cache
	remote   RemoteAPI
	router   Committer
	config   Config
	observer Observer
	logger   *zap.Logger
}

// Option customises an Executor.
type Option func(*Executor)

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

func NewExecutor(store Cache, remote RemoteAPI, router Committer, config Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	e := &Executor{
		lines:    make(map[cache.Key]*line),
		store:    store,
		remote:   remote,
		router:   router,
		config:   config,
		observer: nopObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply writes intent to the cache, sends it to the backend and settles the
// cache according to the response. A nil error means the edit was committed;
// otherwise the error is an *apperror.Error of type CONFLICT, VALIDATION,
// NETWORK or CANCELLED and the edit is no longer displayed.
func (e *Executor) Apply(ctx context.Context, intent Intent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{Outcome: Failed}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Failed}, apperror.NewCancellationError(err).WithKey(intent.Target)
	}

	start := time.Now()
	key := intent.Target
	o, err := e.issue(key, intent.Changes)
	if err != nil {
		return Result{Outcome: Failed}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	resp, callErr := e.remote.Mutate(callCtx, Request{
		EntityType:      key.Entity,
		ID:              key.Scope,
		FieldChanges:    intent.Changes,
		ExpectedVersion: intent.ExpectedVersion,
	})
	cancel()

	outcome, resolveErr := classify(ctx, resp, callErr)
	if resolveErr != nil {
		resolveErr = resolveErr.WithKey(key)
	}

	result := e.resolve(key, o, outcome, resp, resolveErr)
	e.observer.ObserveMutation(key.Entity, outcomeLabel(outcome, resolveErr), time.Since(start))

	if resolveErr != nil {
		e.logger.Info("Mutation rejected",
			zap.String("key", key.String()),
			zap.String("reason", string(resolveErr.Type)),
			zap.Error(resolveErr.Cause),
		)
		return result, resolveErr
	}
	e.logger.Debug("Mutation committed",
		zap.String("key", key.String()),
		zap.Int64("version", result.Version),
	)
	return result, nil
}

// issue appends an operation to the key's line and displays it.
func (e *Executor) issue(key cache.Key, changes map[string]any) (*op, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ln, ok := e.lines[key]
	if !ok {
		ln = &line{}
		if entry, found := e.store.Peek(key); found && entry.Value != nil {
			rec, isRecord := cache.AsRecord(entry.Value)
			if !isRecord {
				return nil, apperror.NewValidationError("mutation target is not a single record").WithKey(key)
			}
			entry.Value = rec
			ln.base = entry
			ln.hasBase = true
		}
		e.lines[key] = ln
	}

	previous, _ := e.store.Peek(key)
	o := &op{changes: changes, previous: previous}
	ln.ops = append(ln.ops, o)

	e.render(key, ln, false)
	return o, nil
}

// resolve records the outcome of o and folds every settled operation at the
// head of the line into the base.
func (e *Executor) resolve(key cache.Key, o *op, outcome Outcome, resp Response, resolveErr *apperror.Error) Result {
	e.mu.Lock()

	ln := e.lines[key]
	o.done = true
	o.outcome = outcome
	if outcome == Committed {
		o.version = resp.Version
		if resp.Record != nil {
			o.record = cache.Record(resp.Record)
		}
	}
	forceStale := resolveErr != nil && resolveErr.Type != apperror.ErrorTypeValidation

	var committed []*op
	for len(ln.ops) > 0 && ln.ops[0].done {
		head := ln.ops[0]
		ln.ops = ln.ops[1:]
		if head.outcome != Committed {
			continue
		}
		switch {
		case head.record != nil:
			ln.base = cache.Entry{Key: key, Value: head.record, Version: head.version}
			ln.hasBase = true
		case ln.hasBase:
			base, _ := cache.AsRecord(ln.base.Value)
			ln.base.Value = base.Merge(head.changes)
			ln.base.Version = head.version
		}
		committed = append(committed, head)
	}

	if ln.hasBase {
		e.render(key, ln, forceStale)
	} else if outcome == Committed || forceStale {
		e.markStale(key)
	}
	if len(ln.ops) == 0 {
		delete(e.lines, key)
	}

	result := Result{Outcome: outcome, Previous: o.previous}
	if outcome == Committed {
		result.Version = resp.Version
		if o.record != nil {
			result.Record = o.record
		} else if ln.hasBase {
			result.Record = ln.displayed()
		}
	}
	e.mu.Unlock()

	if e.router != nil {
		for _, c := range committed {
			e.router.OnCommit(key, entityOf(key), fieldNames(c.changes))
		}
	}
	return result
}

// render writes the displayed value of the line. Must be called with e.mu held.
func (e *Executor) render(key cache.Key, ln *line, forceStale bool) {
	if !ln.hasBase {
		return
	}
	value := ln.displayed()

	t := e.store.Begin(key)
	staleness := cache.Fresh
	if current, ok := e.store.Peek(key); forceStale || (ok && current.Staleness == cache.Stale) {
		staleness = cache.Stale
	}
	e.store.SetIfCurrent(t, value, ln.base.Version, staleness)
}

func (e *Executor) markStale(key cache.Key) {
	e.store.MarkStaleMatching(func(k cache.Key) bool { return k == key })
}

// Reconcile rebases a freshly fetched snapshot under the outstanding
// operations for key. It returns the value the cache should display and
// whether any operation was outstanding.
func (e *Executor) Reconcile(key cache.Key, snap cache.Snapshot) (any, int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ln, ok := e.lines[key]
	if !ok {
		return snap.Value, snap.Version, false
	}
	if rec, isRecord := cache.AsRecord(snap.Value); isRecord && (!ln.hasBase || snap.Version >= ln.base.Version) {
		ln.base = cache.Entry{Key: key, Value: rec, Version: snap.Version}
		ln.hasBase = true
	}
	if !ln.hasBase {
		return snap.Value, snap.Version, true
	}
	return ln.displayed(), ln.base.Version, true
}

// Outstanding returns the number of mutations awaiting a response.
func (e *Executor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, ln := range e.lines {
		for _, o := range ln.ops {
			if !o.done {
				n++
			}
		}
	}
	return n
}

// classify maps the remote result onto an outcome and typed error.
func classify(ctx context.Context, resp Response, callErr error) (Outcome, *apperror.Error) {
	if callErr != nil {
		if ctx.Err() != nil {
			return Failed, apperror.NewCancellationError(ctx.Err())
		}
		var typed *apperror.Error
		if errors.As(callErr, &typed) {
			if typed.Type == apperror.ErrorTypeConflict {
				return Conflict, typed
			}
			return Failed, typed
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			return Failed, apperror.NewNetworkError("mutation timed out", callErr)
		}
		return Failed, apperror.NewNetworkError("mutation request failed", callErr)
	}
	if resp.OK {
		return Committed, nil
	}
	switch apperror.ErrorType(resp.Reason) {
	case apperror.ErrorTypeConflict:
		return Conflict, apperror.NewConflictError(resp.Message)
	case apperror.ErrorTypeValidation:
		return Failed, apperror.NewValidationError(orDefault(resp.Message, "the backend rejected the edit"))
	case apperror.ErrorTypeNotFound:
		return Failed, apperror.New(apperror.ErrorTypeNotFound, orDefault(resp.Message, "record not found"))
	default:
		return Failed, apperror.NewNetworkError(orDefault(resp.Message, "the backend could not apply the edit"), nil)
	}
}

func outcomeLabel(outcome Outcome, err *apperror.Error) string {
	if err != nil && outcome == Failed {
		return string(err.Type)
	}
	return outcome.String()
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func entityOf(key cache.Key) invalidation.EntityType {
	entity, _ := invalidation.ParseEntityType(key.Entity)
	return entity
}

func fieldNames(changes map[string]any) []string {
	out := make([]string, 0, len(changes))
	for field := range changes {
		out = append(out, field)
	}
	return out
}
