package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"swapbot/notifier/internal/weeks"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const swapColumns = `
	s.swap_id, s.from_t_id, s.module_code, s.lesson_type, s.class_no, s.status, s.ay, s.semester,
	s.created_at, s.completed_at,
	COALESCE(u.first_name, ''), COALESCE(u.username, ''), COALESCE(u.can_notify, FALSE)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwap(row rowScanner) (SwapRecord, error) {
	var item SwapRecord
	var status string
	err := row.Scan(
		&item.SwapID, &item.CreatorID, &item.ModuleCode, &item.LessonType, &item.ClassNo, &status,
		&item.AcademicYear, &item.Semester, &item.CreatedAt, &item.CompletedAt,
		&item.CreatorName, &item.CreatorUsername, &item.NotifyEnabled,
	)
	item.Status = SwapStatus(status)
	return item, err
}

func (s *PostgresStore) GetSwap(ctx context.Context, swapID int64) (SwapRecord, error) {
	item, err := scanSwap(s.db.QueryRowContext(ctx, `
		SELECT `+swapColumns+`
		FROM swaps s
		LEFT JOIN users u ON u.id = s.from_t_id
		WHERE s.swap_id = $1
	`, swapID))
	if errors.Is(err, sql.ErrNoRows) {
		return SwapRecord{}, ErrNotFound
	}
	if err != nil {
		return SwapRecord{}, fmt.Errorf("get swap: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetSwapForCreator(ctx context.Context, swapID, creatorID int64) (SwapRecord, error) {
	item, err := scanSwap(s.db.QueryRowContext(ctx, `
		SELECT `+swapColumns+`
		FROM swaps s
		LEFT JOIN users u ON u.id = s.from_t_id
		WHERE s.swap_id = $1 AND s.from_t_id = $2
	`, swapID, creatorID))
	if errors.Is(err, sql.ErrNoRows) {
		return SwapRecord{}, ErrNotFound
	}
	if err != nil {
		return SwapRecord{}, fmt.Errorf("get swap for creator: %w", err)
	}
	return item, nil
}

// CompleteSwap moves a swap to Completed in a single conditional statement.
// The boolean is true only for the caller whose update matched the row;
// concurrent callers block on the row lock, re-check the predicate and
// match nothing.
func (s *PostgresStore) CompleteSwap(ctx context.Context, swapID, creatorID int64) (SwapRecord, bool, error) {
	item, err := scanSwap(s.db.QueryRowContext(ctx, `
		WITH s AS (
			UPDATE swaps
			SET status = 'Completed', completed_at = NOW()
			WHERE swap_id = $1 AND from_t_id = $2 AND status <> 'Completed'
			RETURNING *
		)
		SELECT `+swapColumns+`
		FROM s
		LEFT JOIN users u ON u.id = s.from_t_id
	`, swapID, creatorID))
	if errors.Is(err, sql.ErrNoRows) {
		return SwapRecord{}, false, nil
	}
	if err != nil {
		return SwapRecord{}, false, fmt.Errorf("complete swap: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, username, can_notify FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.FirstName, &user.Username, &user.CanNotify)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListClassSlots returns the timetable rows of a slot ordered by weekday and
// start time. An empty result is not an error.
func (s *PostgresStore) ListClassSlots(ctx context.Context, key SlotKey) ([]ClassSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.module_code, COALESCE(m.module_name, ''), c.lesson_type, c.class_no, c.day,
			c.start_time, c.end_time, c.venue, c.weeks, c.ay, c.semester
		FROM classlist c
		LEFT JOIN modulelist m ON m.module_code = c.module_code
		WHERE c.ay = $1 AND c.semester = $2
			AND c.module_code = $3 AND c.lesson_type = $4 AND c.class_no = $5
		ORDER BY CASE LEFT(c.day, 3)
				WHEN 'Mon' THEN 1 WHEN 'Tue' THEN 2 WHEN 'Wed' THEN 3 WHEN 'Thu' THEN 4
				WHEN 'Fri' THEN 5 WHEN 'Sat' THEN 6 WHEN 'Sun' THEN 7 ELSE 8 END,
			c.start_time
	`, key.AcademicYear, key.Semester, key.Slot.ModuleCode, key.Slot.LessonType, key.Slot.ClassNo)
	if err != nil {
		return nil, fmt.Errorf("list class slots: %w", err)
	}
	defer rows.Close()

	items := make([]ClassSlot, 0)
	for rows.Next() {
		var item ClassSlot
		var rawWeeks []byte
		if err := rows.Scan(&item.ModuleCode, &item.ModuleName, &item.LessonType, &item.ClassNo, &item.Day,
			&item.StartTime, &item.EndTime, &item.Venue, &rawWeeks, &item.AcademicYear, &item.Semester); err != nil {
			return nil, fmt.Errorf("scan class slot: %w", err)
		}
		if item.Weeks, err = weeks.Parse(rawWeeks); err != nil {
			return nil, fmt.Errorf("class %s %s %s weeks: %w", item.ModuleCode, item.LessonType, item.ClassNo, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate class slots: %w", err)
	}
	return items, nil
}
