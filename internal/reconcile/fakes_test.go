package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

var (
	t0    = time.Date(2024, 8, 12, 9, 0, 0, 0, time.UTC)
	cs101 = ledger.Slot{ModuleCode: "CS101", LessonType: "Tutorial", ClassNo: "T1"}
	ma102 = ledger.Slot{ModuleCode: "MA102", LessonType: "Lab", ClassNo: "B4"}
	cs201 = ledger.Slot{ModuleCode: "CS201", LessonType: "Lab", ClassNo: "L2"}
)

type fakeSwaps struct {
	swaps   map[int64]store.SwapRecord
	users   map[int64]store.User
	classes map[ledger.Slot][]store.ClassSlot
	userErr error
}

func newFakeSwaps() *fakeSwaps {
	return &fakeSwaps{
		swaps: map[int64]store.SwapRecord{
			42: {
				SwapID: 42, CreatorID: 3, ModuleCode: "CS201", LessonType: "Lab", ClassNo: "L2",
				Status: store.SwapOpen, CreatorName: "Ada", CreatorUsername: "ada", NotifyEnabled: true,
			},
		},
		users: map[int64]store.User{
			3:  {ID: 3, FirstName: "Ada", Username: "ada", CanNotify: true},
			7:  {ID: 7, FirstName: "Bo", Username: "bo"},
			10: {ID: 10, FirstName: "Cy", Username: "cy"},
		},
		classes: map[ledger.Slot][]store.ClassSlot{
			cs201: {{ModuleCode: "CS201", LessonType: "Lab", ClassNo: "L2", Day: "Monday", StartTime: "1000", EndTime: "1200", Venue: "COM1-B1", Weeks: []int{1, 2, 3}}},
			cs101: {{ModuleCode: "CS101", LessonType: "Tutorial", ClassNo: "T1", Day: "Wednesday", StartTime: "0900", EndTime: "1000", Venue: "COM1-0210", Weeks: []int{3, 4, 5}}},
			ma102: {{ModuleCode: "MA102", LessonType: "Lab", ClassNo: "B4", Day: "Friday", StartTime: "1400", EndTime: "1600", Venue: "S17", Weeks: []int{2, 4, 6}}},
		},
	}
}

func (f *fakeSwaps) GetSwap(_ context.Context, swapID int64) (store.SwapRecord, error) {
	swap, ok := f.swaps[swapID]
	if !ok {
		return store.SwapRecord{}, store.ErrNotFound
	}
	return swap, nil
}

func (f *fakeSwaps) GetUser(_ context.Context, userID int64) (store.User, error) {
	if f.userErr != nil {
		return store.User{}, f.userErr
	}
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeSwaps) ListClassSlots(_ context.Context, key store.SlotKey) ([]store.ClassSlot, error) {
	return f.classes[key.Slot], nil
}

// fakeDocs is a versioned in-memory document store and change feed.
type fakeDocs struct {
	mu       sync.Mutex
	docs     map[int64]ledger.RequestDocument
	replaces int
	gets     int
	// beforeReplace runs once, inside the next ReplaceRequests, as if another
	// writer updated the stored document first.
	beforeReplace func(doc *ledger.RequestDocument)

	streams  []*fakeStream
	watchErr error
	tokens   [][]byte
}

func newFakeDocs(docs ...ledger.RequestDocument) *fakeDocs {
	f := &fakeDocs{docs: make(map[int64]ledger.RequestDocument)}
	for _, doc := range docs {
		f.docs[doc.SwapID] = copyDoc(doc)
	}
	return f
}

func copyDoc(doc ledger.RequestDocument) ledger.RequestDocument {
	doc.Requests = append([]ledger.SubRequest(nil), doc.Requests...)
	return doc
}

func (f *fakeDocs) Get(_ context.Context, swapID int64) (ledger.RequestDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	doc, ok := f.docs[swapID]
	if !ok {
		return ledger.RequestDocument{}, docstore.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (f *fakeDocs) ReplaceRequests(_ context.Context, doc ledger.RequestDocument, requests []ledger.SubRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.docs[doc.SwapID]
	if !ok {
		return docstore.ErrVersionConflict
	}
	if hook := f.beforeReplace; hook != nil {
		f.beforeReplace = nil
		hook(&stored)
		stored.Version++
		f.docs[doc.SwapID] = stored
	}
	if stored.Version != doc.Version {
		return docstore.ErrVersionConflict
	}
	stored.Requests = append([]ledger.SubRequest(nil), requests...)
	stored.Version++
	f.docs[doc.SwapID] = stored
	f.replaces++
	return nil
}

func (f *fakeDocs) ListPending(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, doc := range f.docs {
		for _, req := range doc.Requests {
			if req.Status == ledger.StatusNew {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeDocs) Watch(_ context.Context, token []byte) (docstore.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, append([]byte(nil), token...))
	if len(f.streams) == 0 {
		if f.watchErr != nil {
			return nil, f.watchErr
		}
		return nil, errors.New("no stream available")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

// put writes doc as an external writer would and returns the change event.
func (f *fakeDocs) put(doc ledger.RequestDocument) docstore.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.docs[doc.SwapID]; ok {
		doc.Version = stored.Version + 1
	}
	f.docs[doc.SwapID] = copyDoc(doc)
	snapshot := copyDoc(doc)
	return docstore.Change{SwapID: doc.SwapID, Document: &snapshot}
}

func (f *fakeDocs) stored(swapID int64) ledger.RequestDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyDoc(f.docs[swapID])
}

func (f *fakeDocs) counts() (gets, replaces int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.replaces
}

func (f *fakeDocs) watchTokens() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.tokens...)
}

// deadlineDocs fails reads and writes once the caller's context is done, as
// the Mongo driver does.
type deadlineDocs struct {
	*fakeDocs
}

func (d *deadlineDocs) Get(ctx context.Context, swapID int64) (ledger.RequestDocument, error) {
	if err := ctx.Err(); err != nil {
		return ledger.RequestDocument{}, err
	}
	return d.fakeDocs.Get(ctx, swapID)
}

func (d *deadlineDocs) ReplaceRequests(ctx context.Context, doc ledger.RequestDocument, requests []ledger.SubRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.fakeDocs.ReplaceRequests(ctx, doc, requests)
}

type fakeStream struct {
	changes chan docstore.Change
	err     error
	current docstore.Change
	seen    int
	prefix  string
	closed  atomic.Bool
}

func newFakeStream(prefix string) *fakeStream {
	return &fakeStream{changes: make(chan docstore.Change, 16), prefix: prefix}
}

func (s *fakeStream) Next(ctx context.Context) bool {
	select {
	case change, ok := <-s.changes:
		if !ok {
			return false
		}
		s.current = change
		s.seen++
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *fakeStream) Change() (docstore.Change, error) {
	return s.current, nil
}

func (s *fakeStream) ResumeToken() []byte {
	return []byte(fmt.Sprintf("%s-%d", s.prefix, s.seen))
}

func (s *fakeStream) Err() error {
	return s.err
}

func (s *fakeStream) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type dispatch struct {
	chatID   int64
	body     string
	keyboard message.Keyboard
}

type fakeSender struct {
	mu          sync.Mutex
	sent        []dispatch
	err         error
	entered     chan int64
	gate        chan struct{}
	onSend      func()
	inflight    int
	maxInflight int
}

func (f *fakeSender) Send(_ context.Context, chatID int64, body string, keyboard message.Keyboard) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	entered, gate, onSend := f.entered, f.gate, f.onSend
	f.mu.Unlock()

	if entered != nil {
		entered <- chatID
	}
	if gate != nil {
		<-gate
	}
	if onSend != nil {
		onSend()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, dispatch{chatID: chatID, body: body, keyboard: keyboard})
	return nil
}

func (f *fakeSender) dispatches() []dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch(nil), f.sent...)
}

func newTestReconciler(swaps *fakeSwaps, docs Documents, sender *fakeSender) *Reconciler {
	compiler := message.NewCompiler("https://tutreg.com/", "https://nusmods.com/courses/")
	r := NewReconciler(swaps, docs, sender, compiler, ledger.New(), store.Term{AcademicYear: "2024-2025", Semester: 1}, zap.NewNop())
	r.now = func() time.Time { return t0.Add(time.Hour) }
	return r
}
