package completion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

// fakeSwaps keeps one swap row behind a mutex so CompleteSwap behaves like the
// conditional UPDATE.
type fakeSwaps struct {
	mu          sync.Mutex
	swap        store.SwapRecord
	exists      bool
	users       map[int64]store.User
	classes     []store.ClassSlot
	completions int
	writes      int
}

func newFakeSwaps() *fakeSwaps {
	return &fakeSwaps{
		swap: store.SwapRecord{
			SwapID: 42, CreatorID: 3, ModuleCode: "CS201", LessonType: "Lab", ClassNo: "L2",
			Status: store.SwapOpen, CreatorName: "Ada", NotifyEnabled: true,
		},
		exists: true,
		users: map[int64]store.User{
			7: {ID: 7, FirstName: "Bo", Username: "bo"},
			8: {ID: 8, FirstName: "Cy", Username: "cy"},
		},
		classes: []store.ClassSlot{{ModuleCode: "CS201", Day: "Monday", StartTime: "1000", EndTime: "1200", Venue: "COM1-B1", Weeks: []int{1, 2, 3}}},
	}
}

func (f *fakeSwaps) GetSwapForCreator(_ context.Context, swapID, creatorID int64) (store.SwapRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists || f.swap.SwapID != swapID || f.swap.CreatorID != creatorID {
		return store.SwapRecord{}, store.ErrNotFound
	}
	return f.swap, nil
}

func (f *fakeSwaps) CompleteSwap(_ context.Context, swapID, creatorID int64) (store.SwapRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists || f.swap.SwapID != swapID || f.swap.CreatorID != creatorID || f.swap.Status == store.SwapCompleted {
		return store.SwapRecord{}, false, nil
	}
	f.swap.Status = store.SwapCompleted
	f.completions++
	f.writes++
	return f.swap, true, nil
}

func (f *fakeSwaps) GetUser(_ context.Context, userID int64) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeSwaps) ListClassSlots(context.Context, store.SlotKey) ([]store.ClassSlot, error) {
	return f.classes, nil
}

type fakeDocs struct {
	doc ledger.RequestDocument
	err error
}

func (f fakeDocs) Get(context.Context, int64) (ledger.RequestDocument, error) {
	return f.doc, f.err
}

type sent struct {
	chatID int64
	body   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[int64]error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, body string, _ message.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[chatID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{chatID: chatID, body: body})
	return nil
}

func (f *fakeSender) countTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.chatID == chatID {
			n++
		}
	}
	return n
}

func requestsDoc() ledger.RequestDocument {
	cs101 := ledger.Slot{ModuleCode: "CS101", LessonType: "Tutorial", ClassNo: "T1"}
	return ledger.RequestDocument{SwapID: 42, Version: 2, Requests: []ledger.SubRequest{
		{RequestorID: 7, Requested: cs101, Status: ledger.StatusNotified},
		{RequestorID: 8, Requested: cs101, Status: ledger.StatusNew},
		{RequestorID: 7, Requested: ledger.Slot{ModuleCode: "MA102", LessonType: "Lab", ClassNo: "B4"}, Status: ledger.StatusDeleted},
	}}
}

func newTestCoordinator(swaps *fakeSwaps, docs DocumentReader, sender *fakeSender) *Coordinator {
	compiler := message.NewCompiler("https://tutreg.com/", "https://nusmods.com/courses/")
	return NewCoordinator(swaps, docs, sender, compiler, store.Term{AcademicYear: "2024-2025", Semester: 1}, zap.NewNop())
}

func TestCompleteFansOutOncePerRecipient(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	swap, err := c.Complete(context.Background(), 42, 3)
	require.NoError(t, err)
	assert.Equal(t, store.SwapCompleted, swap.Status)

	require.Len(t, sender.sent, 3)
	assert.Equal(t, 1, sender.countTo(7), "duplicate requestor entries collapse")
	assert.Equal(t, 1, sender.countTo(8))
	assert.Equal(t, 1, sender.countTo(3))

	for _, s := range sender.sent {
		switch s.chatID {
		case 3:
			assert.Contains(t, s.body, "Swap created completed")
			assert.Contains(t, s.body, "Hi Ada,")
		case 7:
			assert.Contains(t, s.body, "Swap request completed")
			assert.Contains(t, s.body, "Hi Bo,")
		}
		assert.Contains(t, s.body, "CS201 Lab [L2]")
		assert.Contains(t, s.body, "└ Mon 1000 — 1200 @ COM1-B1 (Weeks 1-3)")
	}
}

func TestCompleteConcurrentCallersSingleFanOut(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Complete(context.Background(), 42, 3)
		}()
	}
	wg.Wait()

	succeeded, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyCompleted):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, swaps.completions)
	assert.Equal(t, 1, sender.countTo(3), "creator is told exactly once")
	assert.Equal(t, 1, sender.countTo(7))
	assert.Equal(t, 1, sender.countTo(8))
}

func TestCompleteAlreadyCompletedIsNoop(t *testing.T) {
	swaps := newFakeSwaps()
	swaps.swap.Status = store.SwapCompleted
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	swap, err := c.Complete(context.Background(), 42, 3)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, store.SwapCompleted, swap.Status)
	assert.Zero(t, swaps.writes)
	assert.Empty(t, sender.sent)
}

func TestCompleteByNonCreatorNeverMutates(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	_, err := c.Complete(context.Background(), 42, 7)
	assert.ErrorIs(t, err, ErrNotFoundOrUnauthorized)

	_, err = c.Complete(context.Background(), 404, 3)
	assert.ErrorIs(t, err, ErrNotFoundOrUnauthorized)

	assert.Zero(t, swaps.writes)
	assert.Equal(t, store.SwapOpen, swaps.swap.Status)
	assert.Empty(t, sender.sent)
}

func TestCompleteTokenChecksActor(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	// A requestor replaying the creator's button payload.
	_, err := c.CompleteToken(context.Background(), "complete_42_3", 7)
	assert.ErrorIs(t, err, ErrNotFoundOrUnauthorized)
	assert.Zero(t, swaps.writes)

	_, err = c.CompleteToken(context.Background(), "complete_42", 3)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.CompleteToken(context.Background(), Token{SwapID: 42, CreatorID: 3}.String(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, swaps.completions)
}

func TestCompleteFanOutFailuresAreIsolated(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{fail: map[int64]error{7: errors.New("bot was blocked by the user")}}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	_, err := c.Complete(context.Background(), 42, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, sender.countTo(7))
	assert.Equal(t, 1, sender.countTo(8))
	assert.Equal(t, 1, sender.countTo(3))
}

func TestCompleteWithoutRequestDocumentNotifiesCreator(t *testing.T) {
	swaps := newFakeSwaps()
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{err: docstore.ErrNotFound}, sender)

	_, err := c.Complete(context.Background(), 42, 3)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(3), sender.sent[0].chatID)
}

func TestCompleteUnknownRequestorGetsGenericName(t *testing.T) {
	swaps := newFakeSwaps()
	delete(swaps.users, 8)
	sender := &fakeSender{}
	c := newTestCoordinator(swaps, fakeDocs{doc: requestsDoc()}, sender)

	_, err := c.Complete(context.Background(), 42, 3)
	require.NoError(t, err)
	for _, s := range sender.sent {
		if s.chatID == 8 {
			assert.Contains(t, s.body, "Hi there,")
		}
	}
}
