package app

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

type swapStore interface {
	GetSwap(ctx context.Context, swapID int64) (store.SwapRecord, error)
	ListClassSlots(ctx context.Context, key store.SlotKey) ([]store.ClassSlot, error)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, body string, keyboard message.Keyboard) error
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventInput is the body of POST /sendMessage.
type EventInput struct {
	ChatID int64
	SwapID int64
	Name   string
	Event  message.Event
}

type Service struct {
	swaps    swapStore
	sender   Sender
	compiler *message.Compiler
	term     store.Term
	checks   map[string]Pinger
	log      *zap.Logger
}

func New(swaps swapStore, sender Sender, compiler *message.Compiler, term store.Term, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		swaps:    swaps,
		sender:   sender,
		compiler: compiler,
		term:     term,
		checks:   make(map[string]Pinger),
		log:      log,
	}
}

// AddCheck registers a dependency for /api/ready.
func (s *Service) AddCheck(name string, p Pinger) {
	s.checks[name] = p
}

// Ping checks every registered dependency and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = s.checks[name].Ping(ctx)
	}
	return results
}

// SendEvent compiles the canned message for in.Event and sends it to
// in.ChatID. Lookup and delivery failures are logged, not returned: the
// caller has nothing to retry with.
func (s *Service) SendEvent(ctx context.Context, in EventInput) error {
	if !in.Event.Valid() {
		return fmt.Errorf("%w: %s", ErrUnrecognizedEvent, in.Event)
	}
	log := s.log.With(zap.Int64("swap_id", in.SwapID), zap.Int64("recipient_id", in.ChatID), zap.Stringer("event", in.Event))

	swap, err := s.swaps.GetSwap(ctx, in.SwapID)
	if err != nil {
		// Still sent, without the class block.
		log.Warn("load swap for event message", zap.Error(err))
		swap = store.SwapRecord{SwapID: in.SwapID}
	}

	var classes []store.ClassSlot
	if swap.ModuleCode != "" {
		classes, err = s.swaps.ListClassSlots(ctx, s.term.Key(swap, swap.Slot()))
		if err != nil {
			log.Warn("load classes for event message", zap.Error(err))
			classes = nil
		}
	}

	body, err := s.compiler.EventMessage(message.EventRequest{
		Event:   in.Event,
		Name:    in.Name,
		Swap:    swap,
		Classes: classes,
	})
	if err != nil {
		return fmt.Errorf("compile event message: %w", err)
	}

	if err := s.sender.Send(ctx, in.ChatID, body, nil); err != nil {
		log.Warn("send event message", zap.Error(err))
		return nil
	}
	log.Info("sent event message")
	return nil
}
