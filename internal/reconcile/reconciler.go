// Package reconcile turns changes to request documents into Telegram
// notifications for swap creators.
//
// A sub-request is notified at most once: dispatch happens only for entries in
// status new, and the same pass writes them back as notified under the
// document's version token. Redelivered or replayed changes therefore find an
// empty worklist and do nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swapbot/notifier/internal/completion"
	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

var (
	ErrSwapNotFound          = errors.New("swap not found")
	ErrCreatorClassesMissing = errors.New("creator's class rows missing")
)

const (
	maxWriteAttempts = 3
	// markTimeout bounds the write-back once messages are out. It does not
	// share the pass deadline: an unwritten mark means a second message.
	markTimeout = 10 * time.Second
)

type SwapStore interface {
	GetSwap(ctx context.Context, swapID int64) (store.SwapRecord, error)
	GetUser(ctx context.Context, userID int64) (store.User, error)
	ListClassSlots(ctx context.Context, key store.SlotKey) ([]store.ClassSlot, error)
}

type Documents interface {
	Get(ctx context.Context, swapID int64) (ledger.RequestDocument, error)
	ReplaceRequests(ctx context.Context, doc ledger.RequestDocument, requests []ledger.SubRequest) error
}

type Sender interface {
	Send(ctx context.Context, chatID int64, body string, keyboard message.Keyboard) error
}

// Result summarises one reconciliation pass over a document.
type Result struct {
	Worklist   int
	Dispatched int
	Suppressed int
	Failed     int
	Deferred   int
	Marked     int
}

type outcome int

const (
	outcomeDispatched outcome = iota
	outcomeSuppressed
	outcomeFailed
	outcomeDeferred
)

type Reconciler struct {
	swaps    SwapStore
	docs     Documents
	sender   Sender
	compiler *message.Compiler
	ledger   *ledger.Ledger
	term     store.Term
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciler(swaps SwapStore, docs Documents, sender Sender, compiler *message.Compiler, views *ledger.Ledger, term store.Term, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if views == nil {
		views = ledger.New()
	}
	return &Reconciler{
		swaps:    swaps,
		docs:     docs,
		sender:   sender,
		compiler: compiler,
		ledger:   views,
		term:     term,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ledger exposes the last-known document views.
func (r *Reconciler) Ledger() *ledger.Ledger {
	return r.ledger
}

// Reconcile notifies the creator of every new sub-request in doc and marks
// the handled ones notified. Entries whose requestor profile or class rows
// are missing stay new and are retried on the document's next change.
func (r *Reconciler) Reconcile(ctx context.Context, doc ledger.RequestDocument) (Result, error) {
	prev, _ := r.ledger.Previous(doc.SwapID)
	worklist := ledger.DiffIncoming(prev, doc)
	res := Result{Worklist: len(worklist)}
	if len(worklist) == 0 {
		r.ledger.Remember(doc)
		return res, nil
	}

	log := r.log.With(zap.Int64("swap_id", doc.SwapID))

	swap, err := r.swaps.GetSwap(ctx, doc.SwapID)
	if errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("swap %d: %w", doc.SwapID, ErrSwapNotFound)
	}
	if err != nil {
		return res, fmt.Errorf("load swap: %w", err)
	}

	creatorClasses, err := r.swaps.ListClassSlots(ctx, r.term.Key(swap, swap.Slot()))
	if err != nil {
		return res, fmt.Errorf("load creator classes: %w", err)
	}
	if len(creatorClasses) == 0 {
		return res, fmt.Errorf("swap %d %s: %w", swap.SwapID, swap.Slot(), ErrCreatorClassesMissing)
	}

	processed := make(ledger.Processed, len(worklist))
	for _, req := range worklist {
		switch r.notify(ctx, log, swap, creatorClasses, req) {
		case outcomeDispatched:
			res.Dispatched++
		case outcomeSuppressed:
			res.Suppressed++
		case outcomeFailed:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
			continue
		}
		processed.Add(req)
	}

	if len(processed) == 0 {
		return res, nil
	}
	marked, err := r.markNotified(ctx, doc, processed)
	res.Marked = marked
	return res, err
}

func (r *Reconciler) notify(ctx context.Context, log *zap.Logger, swap store.SwapRecord, creatorClasses []store.ClassSlot, req ledger.SubRequest) outcome {
	log = log.With(zap.Int64("requestor_id", req.RequestorID), zap.Stringer("requested", req.Requested))

	if !swap.NotifyEnabled {
		log.Info("creator disabled notifications, not sending")
		return outcomeSuppressed
	}
	if swap.Status == store.SwapCompleted {
		log.Info("swap already completed, not sending")
		return outcomeSuppressed
	}

	requestor, err := r.swaps.GetUser(ctx, req.RequestorID)
	if err != nil {
		log.Warn("requestor profile unavailable, will retry", zap.Error(err))
		return outcomeDeferred
	}

	requestorClasses, err := r.swaps.ListClassSlots(ctx, r.term.Key(swap, req.Requested))
	if err != nil {
		log.Warn("requestor classes unavailable, will retry", zap.Error(err))
		return outcomeDeferred
	}
	if len(requestorClasses) == 0 {
		log.Warn("requestor's class rows missing, will retry")
		return outcomeDeferred
	}

	body := r.compiler.SwapRequestUpdate(message.SwapRequest{
		Request:          req,
		Swap:             swap,
		Requestor:        requestor,
		RequestorClasses: requestorClasses,
		CreatorClasses:   creatorClasses,
	})
	token := completion.Token{SwapID: swap.SwapID, CreatorID: swap.CreatorID}
	if err := r.sender.Send(ctx, swap.CreatorID, body, r.compiler.RequestKeyboard(swap.SwapID, token.String())); err != nil {
		log.Warn("dispatch swap request update", zap.Int64("creator_id", swap.CreatorID), zap.Error(err))
		return outcomeFailed
	}
	log.Info("notified creator", zap.Int64("creator_id", swap.CreatorID))
	return outcomeDispatched
}

// markNotified writes the processed entries back as notified. A concurrent
// writer bumps the version first; the document is then reloaded and the
// same entries are marked on the fresh copy, leaving any entry that arrived
// in between as new. The write runs on its own deadline so that a pass which
// used up its time on dispatch still records what it sent.
//
// After maxWriteAttempts lost races the entries stay new and the next pass
// over the document notifies them again.
func (r *Reconciler) markNotified(ctx context.Context, doc ledger.RequestDocument, processed ledger.Processed) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	current := doc
	for attempt := 1; ; attempt++ {
		requests, changed := ledger.MarkNotified(current.Requests, processed, r.now())
		if changed == 0 {
			r.ledger.Remember(current)
			return 0, nil
		}

		err := r.docs.ReplaceRequests(ctx, current, requests)
		if err == nil {
			current.Requests = requests
			current.Version++
			r.ledger.Remember(current)
			return changed, nil
		}
		if !errors.Is(err, docstore.ErrVersionConflict) || attempt >= maxWriteAttempts {
			return 0, fmt.Errorf("mark notified after %d attempt(s): %w", attempt, err)
		}

		r.log.Debug("request document changed underneath, reloading",
			zap.Int64("swap_id", doc.SwapID), zap.Int("attempt", attempt))
		current, err = r.docs.Get(ctx, doc.SwapID)
		if err != nil {
			return 0, fmt.Errorf("reload request document: %w", err)
		}
	}
}
