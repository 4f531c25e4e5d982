// Package completion guards the Open -> Completed transition of a swap and
// fans the outcome out to everyone involved.
//
// Only the caller whose conditional update flips the row performs the fan-out,
// so concurrent or repeated confirmations never message anyone twice.
package completion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

var (
	ErrNotFoundOrUnauthorized = errors.New("swap not found or actor is not its creator")
	ErrAlreadyCompleted       = errors.New("swap already completed")
)

const fanOutLimit = 4

type SwapStore interface {
	GetSwapForCreator(ctx context.Context, swapID, creatorID int64) (store.SwapRecord, error)
	CompleteSwap(ctx context.Context, swapID, creatorID int64) (store.SwapRecord, bool, error)
	GetUser(ctx context.Context, userID int64) (store.User, error)
	ListClassSlots(ctx context.Context, key store.SlotKey) ([]store.ClassSlot, error)
}

type DocumentReader interface {
	Get(ctx context.Context, swapID int64) (ledger.RequestDocument, error)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, body string, keyboard message.Keyboard) error
}

type Coordinator struct {
	swaps    SwapStore
	docs     DocumentReader
	sender   Sender
	compiler *message.Compiler
	term     store.Term
	log      *zap.Logger
}

func NewCoordinator(swaps SwapStore, docs DocumentReader, sender Sender, compiler *message.Compiler, term store.Term, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		swaps:    swaps,
		docs:     docs,
		sender:   sender,
		compiler: compiler,
		term:     term,
		log:      log,
	}
}

// CompleteToken completes the swap named by a button payload on behalf of the
// user who pressed it. A payload minted for another creator is rejected
// without touching the store.
func (c *Coordinator) CompleteToken(ctx context.Context, data string, actorID int64) (store.SwapRecord, error) {
	token, err := ParseToken(data)
	if err != nil {
		return store.SwapRecord{}, err
	}
	if token.CreatorID != actorID {
		c.log.Warn("completion token used by another user",
			zap.Int64("swap_id", token.SwapID), zap.Int64("creator_id", token.CreatorID), zap.Int64("actor_id", actorID))
		return store.SwapRecord{}, ErrNotFoundOrUnauthorized
	}
	return c.Complete(ctx, token.SwapID, actorID)
}

// Complete marks the swap completed if actorID created it and it is not
// completed yet, then notifies every requestor and the creator.
func (c *Coordinator) Complete(ctx context.Context, swapID, actorID int64) (store.SwapRecord, error) {
	current, err := c.swaps.GetSwapForCreator(ctx, swapID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return store.SwapRecord{}, ErrNotFoundOrUnauthorized
	}
	if err != nil {
		return store.SwapRecord{}, fmt.Errorf("load swap: %w", err)
	}
	if current.Status == store.SwapCompleted {
		return current, ErrAlreadyCompleted
	}

	completed, won, err := c.swaps.CompleteSwap(ctx, swapID, actorID)
	if err != nil {
		return store.SwapRecord{}, err
	}
	if !won {
		// Someone else got there between the load and the update.
		latest, err := c.swaps.GetSwapForCreator(ctx, swapID, actorID)
		if errors.Is(err, store.ErrNotFound) {
			return store.SwapRecord{}, ErrNotFoundOrUnauthorized
		}
		if err != nil {
			return store.SwapRecord{}, fmt.Errorf("reload swap: %w", err)
		}
		return latest, ErrAlreadyCompleted
	}

	c.log.Info("swap completed", zap.Int64("swap_id", swapID), zap.Int64("creator_id", actorID))
	c.fanOut(ctx, completed)
	return completed, nil
}

type recipient struct {
	chatID int64
	name   string
	event  message.Event
}

func (c *Coordinator) fanOut(ctx context.Context, swap store.SwapRecord) {
	classes, err := c.swaps.ListClassSlots(ctx, c.term.Key(swap, swap.Slot()))
	if err != nil {
		c.log.Warn("load classes for completion messages", zap.Int64("swap_id", swap.SwapID), zap.Error(err))
		classes = nil
	}

	recipients := make([]recipient, 0, 1)
	doc, err := c.docs.Get(ctx, swap.SwapID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		c.log.Warn("load requests for completion fan-out", zap.Int64("swap_id", swap.SwapID), zap.Error(err))
	default:
		for _, requestorID := range ledger.Requestors(doc.Requests) {
			if requestorID == swap.CreatorID {
				continue
			}
			recipients = append(recipients, recipient{
				chatID: requestorID,
				name:   c.firstName(ctx, requestorID),
				event:  message.SwapRequestedCompleted,
			})
		}
	}
	recipients = append(recipients, recipient{
		chatID: swap.CreatorID,
		name:   swap.CreatorName,
		event:  message.SwapCreatedCompleted,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, r := range recipients {
		g.Go(func() error {
			body, err := c.compiler.EventMessage(message.EventRequest{
				Event:   r.event,
				Name:    r.name,
				Swap:    swap,
				Classes: classes,
			})
			if err != nil {
				c.log.Error("compile completion message", zap.Int64("swap_id", swap.SwapID), zap.Error(err))
				return nil
			}
			if err := c.sender.Send(gctx, r.chatID, body, nil); err != nil {
				c.log.Warn("send completion message",
					zap.Int64("swap_id", swap.SwapID), zap.Int64("recipient_id", r.chatID),
					zap.Stringer("event", r.event), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) firstName(ctx context.Context, userID int64) string {
	user, err := c.swaps.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("load requestor for completion message", zap.Int64("requestor_id", userID), zap.Error(err))
		}
		return ""
	}
	return user.FirstName
}
