package store

import (
	"time"

	"swapbot/notifier/internal/ledger"
)

type SwapStatus string

const (
	SwapOpen      SwapStatus = "Open"
	SwapReserved  SwapStatus = "Reserved"
	SwapCompleted SwapStatus = "Completed"
)

// SwapRecord is a swap row joined with its creator's user row.
type SwapRecord struct {
	SwapID       int64
	CreatorID    int64
	ModuleCode   string
	LessonType   string
	ClassNo      string
	Status       SwapStatus
	AcademicYear string
	Semester     int
	CreatedAt    time.Time
	CompletedAt  *time.Time

	CreatorName     string
	CreatorUsername string
	NotifyEnabled   bool
}

func (s SwapRecord) Slot() ledger.Slot {
	return ledger.Slot{ModuleCode: s.ModuleCode, LessonType: s.LessonType, ClassNo: s.ClassNo}
}

type User struct {
	ID        int64
	FirstName string
	Username  string
	CanNotify bool
}

// SlotKey addresses the class rows of one slot in one term.
type SlotKey struct {
	AcademicYear string
	Semester     int
	Slot         ledger.Slot
}

// ClassSlot is one timetable row of a slot. A slot may meet several times a
// week, so a SlotKey usually resolves to more than one row.
type ClassSlot struct {
	ModuleCode   string
	ModuleName   string
	LessonType   string
	ClassNo      string
	Day          string
	StartTime    string
	EndTime      string
	Venue        string
	Weeks        []int
	AcademicYear string
	Semester     int
}

// Term is the academic term used when a swap row does not carry its own.
type Term struct {
	AcademicYear string
	Semester     int
}

// Key addresses the class rows of slot in the swap's term, falling back to t
// for whichever half of the term the row leaves empty.
func (t Term) Key(swap SwapRecord, slot ledger.Slot) SlotKey {
	key := SlotKey{AcademicYear: swap.AcademicYear, Semester: swap.Semester, Slot: slot}
	if key.AcademicYear == "" {
		key.AcademicYear = t.AcademicYear
	}
	if key.Semester == 0 {
		key.Semester = t.Semester
	}
	return key
}
