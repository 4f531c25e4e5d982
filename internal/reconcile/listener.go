package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"swapbot/notifier/internal/checkpoint"
	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/lease"
	"swapbot/notifier/internal/ledger"
)

// Feed is the live source of document changes.
type Feed interface {
	Get(ctx context.Context, swapID int64) (ledger.RequestDocument, error)
	ListPending(ctx context.Context) ([]int64, error)
	Watch(ctx context.Context, resumeToken []byte) (docstore.Stream, error)
}

type ListenerConfig struct {
	// Stream names the checkpoint the resume token is kept under.
	Stream               string
	Concurrency          int
	DocumentTimeout      time.Duration
	LeaseTTL             time.Duration
	ReconnectMaxInterval time.Duration
	// TrustSnapshots lets the post-image delivered with a change stand in for
	// a fresh read. Only safe when every writer of notified marks shares this
	// process's ledger.
	TrustSnapshots bool
}

func (c *ListenerConfig) setDefaults() {
	if c.Stream == "" {
		c.Stream = "requests"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DocumentTimeout <= 0 {
		c.DocumentTimeout = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 45 * time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = time.Minute
	}
}

type task struct {
	dirty    bool
	snapshot *ledger.RequestDocument
}

// Listener follows the request collection and reconciles every changed
// document. Changes to different documents run concurrently up to the
// configured limit; changes to a document already in flight are coalesced
// into one more pass once the running one finishes.
type Listener struct {
	cfg         ListenerConfig
	feed        Feed
	reconciler  *Reconciler
	checkpoints checkpoint.Store
	locker      lease.Locker
	log         *zap.Logger

	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	mu    sync.Mutex
	tasks map[int64]*task
}

func NewListener(cfg ListenerConfig, feed Feed, reconciler *Reconciler, checkpoints checkpoint.Store, locker lease.Locker, log *zap.Logger) *Listener {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewMemoryStore()
	}
	if locker == nil {
		locker = lease.NewMemoryLocker()
	}
	return &Listener{
		cfg:         cfg,
		feed:        feed,
		reconciler:  reconciler,
		checkpoints: checkpoints,
		locker:      locker,
		log:         log,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		tasks:       make(map[int64]*task),
	}
}

// Run consumes the change stream until ctx is cancelled, reconnecting with
// exponential backoff when it drops. Failing to open the very first stream
// is returned to the caller. On shutdown Run stops reading, waits for the
// documents in flight and only then closes the stream.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = l.cfg.ReconnectMaxInterval
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.MaxElapsedTime = 0

	connected := false
	for {
		err := l.consume(ctx, func() {
			connected = true
			b.Reset()
		})
		if ctx.Err() != nil {
			l.wg.Wait()
			return nil
		}
		if !connected {
			return fmt.Errorf("open change stream: %w", err)
		}

		wait := b.NextBackOff()
		l.log.Warn("change stream interrupted, reconnecting", zap.Duration("in", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.wg.Wait()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) consume(ctx context.Context, opened func()) error {
	token, err := l.checkpoints.Load(ctx, l.cfg.Stream)
	if err != nil {
		l.log.Warn("load resume token, starting from now", zap.Error(err))
		token = nil
	}

	stream, err := l.feed.Watch(ctx, token)
	if err != nil {
		return err
	}
	opened()
	l.log.Info("change stream open", zap.String("stream", l.cfg.Stream), zap.Bool("resumed", len(token) > 0))

	// Anything written while no stream was open is only visible through a
	// sweep. The stream is already open, so nothing can slip between the two.
	taskCtx := context.WithoutCancel(ctx)
	l.sweep(ctx, taskCtx)

	for stream.Next(ctx) {
		change, err := stream.Change()
		if err != nil {
			l.log.Warn("skip undecodable change", zap.Error(err))
		} else {
			l.schedule(taskCtx, change.SwapID, change.Document)
		}
		if err := l.checkpoints.Save(ctx, l.cfg.Stream, stream.ResumeToken()); err != nil && ctx.Err() == nil {
			l.log.Warn("save resume token", zap.Error(err))
		}
	}
	streamErr := stream.Err()

	if ctx.Err() != nil {
		l.wg.Wait()
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := stream.Close(closeCtx); err != nil {
		l.log.Debug("close change stream", zap.Error(err))
	}

	if streamErr == nil && ctx.Err() == nil {
		streamErr = errors.New("change stream closed by server")
	}
	return streamErr
}

func (l *Listener) sweep(ctx, taskCtx context.Context) {
	ids, err := l.feed.ListPending(ctx)
	if err != nil {
		l.log.Warn("sweep pending documents", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		l.log.Info("sweeping documents with pending requests", zap.Int("count", len(ids)))
	}
	for _, id := range ids {
		l.schedule(taskCtx, id, nil)
	}
}

func (l *Listener) schedule(ctx context.Context, swapID int64, snapshot *ledger.RequestDocument) {
	l.mu.Lock()
	if t, ok := l.tasks[swapID]; ok {
		t.dirty = true
		t.snapshot = snapshot
		l.mu.Unlock()
		return
	}
	t := &task{snapshot: snapshot}
	l.tasks[swapID] = t
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(ctx, swapID, t)
}

func (l *Listener) run(ctx context.Context, swapID int64, t *task) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		snapshot := t.snapshot
		t.snapshot = nil
		t.dirty = false
		l.mu.Unlock()

		l.process(ctx, swapID, snapshot)

		l.mu.Lock()
		if !t.dirty {
			delete(l.tasks, swapID)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

func (l *Listener) process(ctx context.Context, swapID int64, snapshot *ledger.RequestDocument) {
	log := l.log.With(zap.Int64("swap_id", swapID))

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.DocumentTimeout)
	defer cancel()

	release, err := lease.Acquire(ctx, l.locker, "swap:"+strconv.FormatInt(swapID, 10), l.cfg.LeaseTTL)
	if err != nil {
		log.Warn("document lease unavailable", zap.Error(err))
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			log.Warn("release document lease", zap.Error(err))
		}
	}()

	doc, err := l.load(ctx, swapID, snapshot)
	if errors.Is(err, docstore.ErrNotFound) {
		log.Debug("request document gone")
		return
	}
	if err != nil {
		log.Warn("load request document", zap.Error(err))
		return
	}

	res, err := l.reconciler.Reconcile(ctx, doc)
	switch {
	case errors.Is(err, ErrSwapNotFound):
		log.Warn("no swap for request document, skipping", zap.Error(err))
	case errors.Is(err, ErrCreatorClassesMissing):
		log.Error("data integrity: creator's classes not found", zap.Error(err))
	case err != nil:
		log.Warn("reconcile document", zap.Error(err))
	case res.Worklist > 0:
		log.Info("reconciled document",
			zap.Int("worklist", res.Worklist),
			zap.Int("dispatched", res.Dispatched),
			zap.Int("suppressed", res.Suppressed),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
			zap.Int("marked", res.Marked))
	}
}

func (l *Listener) load(ctx context.Context, swapID int64, snapshot *ledger.RequestDocument) (ledger.RequestDocument, error) {
	if snapshot != nil && l.cfg.TrustSnapshots && !l.reconciler.Ledger().Stale(*snapshot) {
		return *snapshot, nil
	}
	return l.feed.Get(ctx, swapID)
}
