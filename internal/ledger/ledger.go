// Package ledger holds the sub-requests recorded against each swap and decides
// which of them still need a notification.
//
// A sub-request moves new -> notified exactly once, and only MarkNotified
// produces the notified status. deleted marks a withdrawn sub-request and is
// terminal. The worklist of a document is its set of new entries; correctness
// under redelivered change events comes from that status gate, not from
// deduplicating the events themselves.
package ledger

import (
	"strconv"
	"sync"
	"time"
)

type Status string

const (
	StatusNew      Status = "new"
	StatusNotified Status = "notified"
	StatusDeleted  Status = "deleted"
)

// Slot identifies one class slot of a module.
type Slot struct {
	ModuleCode string `bson:"moduleCode" json:"moduleCode"`
	LessonType string `bson:"lessonType" json:"lessonType"`
	ClassNo    string `bson:"classNo" json:"classNo"`
}

func (s Slot) String() string {
	return s.ModuleCode + " " + s.LessonType + " [" + s.ClassNo + "]"
}

type SubRequest struct {
	RequestorID int64     `bson:"requestorId" json:"requestorId"`
	Requested   Slot      `bson:"requested" json:"requested"`
	Status      Status    `bson:"status" json:"status"`
	Comments    string    `bson:"comments,omitempty" json:"comments,omitempty"`
	LastUpdated time.Time `bson:"lastUpdated" json:"lastUpdated"`
}

// Key identifies a sub-request within its document: one requestor offering
// one slot.
type Key struct {
	RequestorID int64
	Slot        Slot
}

func (r SubRequest) Key() Key {
	return Key{RequestorID: r.RequestorID, Slot: r.Requested}
}

func (k Key) String() string {
	return strconv.FormatInt(k.RequestorID, 10) + ":" + k.Slot.String()
}

// RequestDocument is the document-store record for one swap. Version is the
// optimistic-concurrency token bumped on every write.
type RequestDocument struct {
	SwapID   int64        `bson:"swapId" json:"swapId"`
	Version  int64        `bson:"version" json:"version"`
	Requests []SubRequest `bson:"requests" json:"requests"`
}

// DiffIncoming returns the entries of incoming that require notification:
// those whose status is new. When incoming is an older version than
// previous, a redelivered snapshot, only entries that are still new in
// previous are returned, so a mark made since cannot be undone by replay.
func DiffIncoming(previous, incoming RequestDocument) []SubRequest {
	var stillNew map[Key]struct{}
	stale := incoming.Version < previous.Version
	if stale {
		stillNew = make(map[Key]struct{}, len(previous.Requests))
		for _, req := range previous.Requests {
			if req.Status == StatusNew {
				stillNew[req.Key()] = struct{}{}
			}
		}
	}

	var worklist []SubRequest
	for _, req := range incoming.Requests {
		if req.Status != StatusNew {
			continue
		}
		if stale {
			if _, ok := stillNew[req.Key()]; !ok {
				continue
			}
		}
		worklist = append(worklist, req)
	}
	return worklist
}

// Processed records which entries a pass handled, by key and the
// lastUpdated they carried when read.
type Processed map[Key]time.Time

// Add records req as handled.
func (p Processed) Add(req SubRequest) {
	p[req.Key()] = req.LastUpdated
}

func (p Processed) has(req SubRequest) bool {
	at, ok := p[req.Key()]
	return ok && at.Equal(req.LastUpdated)
}

// MarkNotified returns a copy of requests in which every new entry recorded
// in processed becomes notified with lastUpdated = now. An entry matches only
// if it still carries the recorded lastUpdated; a withdrawn and resubmitted
// entry under the same key stays new. A nil processed set selects every new
// entry. Other entries are passed through untouched, so applying it twice
// yields the same result as applying it once. The second return value counts
// rewritten entries.
func MarkNotified(requests []SubRequest, processed Processed, now time.Time) ([]SubRequest, int) {
	out := make([]SubRequest, len(requests))
	changed := 0
	for i, req := range requests {
		out[i] = req
		if req.Status != StatusNew {
			continue
		}
		if processed != nil && !processed.has(req) {
			continue
		}
		out[i].Status = StatusNotified
		out[i].LastUpdated = now
		changed++
	}
	return out, changed
}

// Requestors lists the distinct requestor ids of a document in arrival order.
func Requestors(requests []SubRequest) []int64 {
	seen := make(map[int64]struct{}, len(requests))
	ids := make([]int64, 0, len(requests))
	for _, req := range requests {
		if _, ok := seen[req.RequestorID]; ok {
			continue
		}
		seen[req.RequestorID] = struct{}{}
		ids = append(ids, req.RequestorID)
	}
	return ids
}

// Ledger keeps the last-known view of each swap's document as observed or
// written by this process.
type Ledger struct {
	mu    sync.Mutex
	views map[int64]RequestDocument
}

func New() *Ledger {
	return &Ledger{views: make(map[int64]RequestDocument)}
}

// Previous returns the last-known view for a swap.
func (l *Ledger) Previous(swapID int64) (RequestDocument, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.views[swapID]
	return doc, ok
}

// Stale reports whether doc is older than the last-known view, meaning a
// newer version has already been read or written here.
func (l *Ledger) Stale(doc RequestDocument) bool {
	prev, ok := l.Previous(doc.SwapID)
	return ok && doc.Version < prev.Version
}

// Remember records doc as the last-known view unless a newer one is held.
func (l *Ledger) Remember(doc RequestDocument) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.views[doc.SwapID]; ok && prev.Version > doc.Version {
		return
	}
	copied := doc
	copied.Requests = append([]SubRequest(nil), doc.Requests...)
	l.views[doc.SwapID] = copied
}

// Forget drops the view of a swap, e.g. once it is completed.
func (l *Ledger) Forget(swapID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.views, swapID)
}
