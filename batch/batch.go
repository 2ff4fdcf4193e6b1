// Package batch runs the labeling pipeline over many messages: a singleton
// manager drives a bounded worker pool through extract, rule classify,
// optional model call and fusion, persisting one label per message and
// reporting progress to any number of observers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/smsto/smsto/extract"
	"github.com/smsto/smsto/fusion"
	"github.com/smsto/smsto/provider"
	"github.com/smsto/smsto/rules"
	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/store"
)

var (
	// ErrAlreadyRunning rejects a Start while a run is in flight.
	ErrAlreadyRunning = errors.New("batch: run already in progress")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("batch: no run in progress")

	// ErrNothingToRetry is returned by RetryFailed when the previous run
	// left no failed messages.
	ErrNothingToRetry = errors.New("batch: nothing to retry")
)

const (
	minConcurrency = 1
	maxConcurrency = 8

	defaultConcurrency = 4
	defaultTimeout     = 15 * time.Second
	defaultMaxRetries  = 2

	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Options configures one run.
type Options struct {
	Mode            string `json:"mode"`        // store.ModeAll, ModeUnlabeled, ModeNeedsReview
	Concurrency     int    `json:"concurrency"` // clamped into [1,8]
	TimeoutMS       int    `json:"timeout_ms"`  // per model attempt
	MaxRetries      int    `json:"max_retries"` // extra model attempts per message
	IDMin           int64  `json:"id_min"`
	IDMax           int64  `json:"id_max"`
	Limit           int    `json:"limit"`
	OverwriteManual bool   `json:"overwrite_manual"` // store.ModeAll only
}

func (o Options) normalized() Options {
	if o.Mode == "" {
		o.Mode = store.ModeUnlabeled
	}
	if o.Concurrency == 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Concurrency < minConcurrency {
		o.Concurrency = minConcurrency
	}
	if o.Concurrency > maxConcurrency {
		o.Concurrency = maxConcurrency
	}
	if o.TimeoutMS <= 0 {
		o.TimeoutMS = int(defaultTimeout / time.Millisecond)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}
	return o
}

// Progress is a point-in-time snapshot of the current or last run.
// Done + Failed + Skipped never exceeds Total; ids the run never claimed
// (after a Stop) are counted nowhere.
type Progress struct {
	Mode           string    `json:"mode"`
	Running        bool      `json:"running"`
	Stopped        bool      `json:"stopped"`
	Total          int       `json:"total"`
	Done           int       `json:"done"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	RuleStrongHits int       `json:"rule_strong_hits"`
	ModelCalls     int       `json:"model_calls"`
	ModelFailures  int       `json:"model_failures"`
	FailedIDs      []int64   `json:"failed_ids"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Manager owns the single batch run. All methods are safe for concurrent
// use.
type Manager struct {
	st          *store.Store
	newProvider func() provider.Provider
	log         *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	runDone   chan struct{}
	prog      Progress
	lastOpts  Options
	observers map[int]chan Progress
	nextObs   int
}

// NewManager builds the manager. newProvider is called once per run so
// settings changes take effect on the next Start.
func NewManager(st *store.Store, newProvider func() provider.Provider, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		st:          st,
		newProvider: newProvider,
		log:         log,
		observers:   map[int]chan Progress{},
	}
}

// Start launches a run over the messages selected by opts. It returns
// ErrAlreadyRunning while a previous run is in flight; the run itself
// proceeds in the background.
func (m *Manager) Start(ctx context.Context, opts Options) error {
	opts = opts.normalized()

	ids, err := m.st.FetchCandidates(ctx, store.CandidateQuery{
		Mode:            opts.Mode,
		IDMin:           opts.IDMin,
		IDMax:           opts.IDMax,
		Limit:           opts.Limit,
		OverwriteManual: opts.OverwriteManual,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.runDone = make(chan struct{})
	m.lastOpts = opts
	m.prog = Progress{
		Mode:      opts.Mode,
		Running:   true,
		Total:     len(ids),
		StartedAt: time.Now().UTC(),
	}
	done := m.runDone
	m.broadcastLocked()
	m.mu.Unlock()

	m.log.Info("batch run started",
		"mode", opts.Mode, "total", len(ids),
		"concurrency", opts.Concurrency, "timeout_ms", opts.TimeoutMS)

	go m.run(runCtx, done, opts, ids)
	return nil
}

// Stop requests a cooperative stop: in-flight messages finish, unclaimed
// ones stay untouched.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	m.prog.Stopped = true
	m.cancel()
	return nil
}

// RetryFailed starts a new run over exactly the ids the previous run
// failed on, with the previous run's options.
func (m *Manager) RetryFailed(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(m.prog.FailedIDs) == 0 {
		m.mu.Unlock()
		return ErrNothingToRetry
	}
	ids := append([]int64(nil), m.prog.FailedIDs...)
	opts := m.lastOpts

	runCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.runDone = make(chan struct{})
	m.prog = Progress{
		Mode:      opts.Mode,
		Running:   true,
		Total:     len(ids),
		StartedAt: time.Now().UTC(),
	}
	done := m.runDone
	m.broadcastLocked()
	m.mu.Unlock()

	m.log.Info("batch retry started", "total", len(ids))
	go m.run(runCtx, done, opts, ids)
	return nil
}

// Status returns a snapshot of the current or last run.
func (m *Manager) Status() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Progress {
	p := m.prog
	p.FailedIDs = append([]int64(nil), m.prog.FailedIDs...)
	return p
}

// Wait blocks until the current run finishes. It returns immediately when
// no run is in flight.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.runDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Subscribe registers a progress observer. Snapshots are delivered on a
// buffered channel with non-blocking sends: a slow observer misses
// intermediate updates, never stalls the run. The returned func cancels
// the subscription.
func (m *Manager) Subscribe() (<-chan Progress, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	ch := make(chan Progress, 8)
	m.observers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.observers[id]; ok {
			delete(m.observers, id)
			close(c)
		}
	}
}

func (m *Manager) broadcastLocked() {
	p := m.snapshotLocked()
	for _, ch := range m.observers {
		select {
		case ch <- p:
		default:
		}
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}, opts Options, ids []int64) {
	defer close(done)

	prov := m.newProvider()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, id := range ids {
		// Claim boundary: a stop request takes effect here, before the
		// next message is picked up.
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			// A stop between submit and claim drops the message; once
			// claimed it runs to completion even after Stop.
			if gctx.Err() != nil {
				return nil
			}
			return m.process(context.WithoutCancel(gctx), prov, opts, id)
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error("batch run halted", "err", err)
	}

	m.mu.Lock()
	m.running = false
	m.prog.Running = false
	m.prog.FinishedAt = time.Now().UTC()
	m.broadcastLocked()
	p := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("batch run finished",
		"done", p.Done, "failed", p.Failed, "skipped", p.Skipped,
		"strong_hits", p.RuleStrongHits, "model_calls", p.ModelCalls,
		"stopped", p.Stopped)
}

// process labels one message. A load failure marks the message failed and
// moves on; a persist failure is treated as store-wide and halts the run
// by cancelling the group.
func (m *Manager) process(ctx context.Context, prov provider.Provider, opts Options, id int64) error {
	msg, err := m.st.GetMessage(ctx, id)
	if err != nil {
		m.markFailed(id, fmt.Errorf("load: %w", err))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load %d: %w", id, err)
	}
	sender := ""
	if msg.Sender != nil {
		sender = *msg.Sender
	}

	ents := extract.Extract(msg.Content, sender)
	res := rules.Classify(msg.Content, sender, ents)

	in := fusion.Input{
		Rule:          &res.Label,
		RuleStrongHit: res.StrongHit,
	}

	var modelErr error
	if res.StrongHit {
		m.mu.Lock()
		m.prog.RuleStrongHits++
		m.mu.Unlock()
	} else {
		payload := schema.Payload{
			MessageID: id,
			Content:   msg.Content,
			Entities:  res.Label.Entities,
			Signals:   res.Label.Signals,
		}
		var label schema.Label
		label, modelErr = m.classifyWithRetry(ctx, prov, opts, payload)
		if modelErr == nil {
			in.Model = &label
		}
	}

	label := fusion.Fuse(in)
	if modelErr != nil {
		label.NeedsReview = true
		label.Reasons = append(label.Reasons, "model_error:"+errKind(modelErr))
		label.Signals["model_error"] = modelErr.Error()
		if label.ModelVersion == "" {
			label.ModelVersion = "error"
		}
	}

	skipped, err := m.st.UpsertLabelAuto(ctx, id, label, opts.OverwriteManual)
	if err != nil {
		m.markFailed(id, fmt.Errorf("persist: %w", err))
		return fmt.Errorf("persist %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case skipped:
		m.prog.Skipped++
	case modelErr != nil:
		// A fallback label landed, but the message stays retryable.
		m.prog.Failed++
		m.prog.FailedIDs = append(m.prog.FailedIDs, id)
	default:
		m.prog.Done++
	}
	m.broadcastLocked()
	return nil
}

func (m *Manager) classifyWithRetry(ctx context.Context, prov provider.Provider, opts Options, payload schema.Payload) (schema.Label, error) {
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	backoff := retry.WithCappedDuration(retryMaxDelay, retry.NewExponential(retryBaseDelay))
	backoff = retry.WithMaxRetries(uint64(opts.MaxRetries), backoff)

	var label schema.Label
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		m.mu.Lock()
		m.prog.ModelCalls++
		m.mu.Unlock()

		out, err := prov.Classify(attemptCtx, payload)
		if err != nil {
			m.mu.Lock()
			m.prog.ModelFailures++
			m.mu.Unlock()
			m.log.Debug("model attempt failed", "message_id", payload.MessageID, "err", err)
			return retry.RetryableError(err)
		}
		label = out
		return nil
	})
	return label, err
}

func (m *Manager) markFailed(id int64, err error) {
	m.log.Warn("message failed", "message_id", id, "err", err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prog.Failed++
	m.prog.FailedIDs = append(m.prog.FailedIDs, id)
	m.broadcastLocked()
}

func errKind(err error) string {
	switch {
	case errors.Is(err, provider.ErrTimeout):
		return "timeout"
	case errors.Is(err, provider.ErrMalformed):
		return "malformed"
	case errors.Is(err, provider.ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
