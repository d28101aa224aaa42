// Package sqlite provides SQLite-backed persistence for the task ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernwick/timeledger/internal/ledger/ordering"
	"github.com/fernwick/timeledger/internal/ledger/storage"
	"github.com/fernwick/timeledger/internal/ledger/storage/sqlite/migrations"
	"github.com/fernwick/timeledger/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for ledger state.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a ledger SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateTasks applies one whole batch in a single transaction: day buckets
// are resolved with an atomic insert-or-ignore, display orders continue the
// day's gap sequence, and every task row is inserted or none is.
func (s *Store) CreateTasks(ctx context.Context, batch storage.CreateTasksBatch) ([]storage.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(batch.OwnerID) == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if len(batch.Days) == 0 || len(batch.Tasks) == 0 {
		return nil, fmt.Errorf("batch must carry at least one day and one task")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create tasks write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback create tasks write: %v", cause, rollbackErr)
		}
		return cause
	}

	dayIDByDate := make(map[string]string, len(batch.Days))
	nextOrderByDate := make(map[string]int64, len(batch.Days))
	for _, day := range batch.Days {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO days (id, owner_id, date, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(owner_id, date) DO NOTHING
`, day.ID, batch.OwnerID, day.Date, toMillis(day.CreatedAt)); err != nil {
			return nil, rollbackWith(fmt.Errorf("upsert day %s: %w", day.Date, err))
		}

		var dayID string
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM days WHERE owner_id = ? AND date = ?",
			batch.OwnerID, day.Date,
		).Scan(&dayID); err != nil {
			return nil, rollbackWith(fmt.Errorf("resolve day %s: %w", day.Date, err))
		}
		dayIDByDate[day.Date] = dayID

		var maxOrder int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(display_order), 0) FROM tasks WHERE day_id = ?",
			dayID,
		).Scan(&maxOrder); err != nil {
			return nil, rollbackWith(fmt.Errorf("read max display order for %s: %w", day.Date, err))
		}
		nextOrderByDate[day.Date] = maxOrder
	}

	inserted := make([]storage.TaskRecord, 0, len(batch.Tasks))
	for _, task := range batch.Tasks {
		dayID, ok := dayIDByDate[task.Date]
		if !ok {
			return nil, rollbackWith(fmt.Errorf("task %s references date %s missing from batch days", task.ID, task.Date))
		}
		order := ordering.Next(nextOrderByDate[task.Date])
		nextOrderByDate[task.Date] = order

		task.DayID = dayID
		task.DisplayOrder = order
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, day_id, period_id, task_type_id, task_source_id, description, display_order, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, task.ID, task.DayID, task.PeriodID, task.TaskTypeID, task.TaskSourceID, task.Description, task.DisplayOrder, toMillis(task.CreatedAt)); err != nil {
			if isUniqueConstraintError(err) {
				return nil, rollbackWith(storage.ErrConflict)
			}
			return nil, rollbackWith(fmt.Errorf("insert task %s: %w", task.ID, err))
		}
		inserted = append(inserted, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create tasks write: %w", err)
	}
	return inserted, nil
}

// ReorderTask moves one task within its day. Only the orders the move plan
// touches are rewritten; the rewrite goes through a negative staging pass so
// the (day, display_order) uniqueness constraint holds at every step.
func (s *Store) ReorderTask(ctx context.Context, req storage.ReorderRequest) (storage.ReorderResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReorderResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ReorderResult{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.ReorderResult{}, fmt.Errorf("begin reorder write: %w", err)
	}
	rollbackWith := func(cause error) (storage.ReorderResult, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return storage.ReorderResult{}, fmt.Errorf("%w: rollback reorder write: %v", cause, rollbackErr)
		}
		return storage.ReorderResult{}, cause
	}

	var dayID string
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM days WHERE owner_id = ? AND date = ?",
		req.OwnerID, req.Date,
	).Scan(&dayID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rollbackWith(storage.ErrNotFound)
		}
		return rollbackWith(fmt.Errorf("resolve day %s: %w", req.Date, err))
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, display_order FROM tasks WHERE day_id = ? ORDER BY display_order ASC",
		dayID,
	)
	if err != nil {
		return rollbackWith(fmt.Errorf("list day tasks: %w", err))
	}
	var ids []string
	var orders []int64
	for rows.Next() {
		var id string
		var order int64
		if err := rows.Scan(&id, &order); err != nil {
			rows.Close()
			return rollbackWith(fmt.Errorf("scan day task: %w", err))
		}
		ids = append(ids, id)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return rollbackWith(fmt.Errorf("iterate day tasks: %w", err))
	}
	rows.Close()

	from := -1
	for i, id := range ids {
		if id == req.TaskID {
			from = i
			break
		}
	}
	if from == -1 {
		return rollbackWith(storage.ErrNotFound)
	}

	newOrders, err := ordering.PlanMove(orders, from, req.NewPosition)
	if err != nil {
		return rollbackWith(fmt.Errorf("plan move: %w", err))
	}
	arranged := arrangeIDs(ids, from, req.NewPosition)

	type orderChange struct {
		taskID string
		order  int64
	}
	orderByID := make(map[string]int64, len(ids))
	for i, id := range ids {
		orderByID[id] = orders[i]
	}
	var changes []orderChange
	for i, id := range arranged {
		if orderByID[id] != newOrders[i] {
			changes = append(changes, orderChange{taskID: id, order: newOrders[i]})
		}
	}
	if len(changes) == 0 {
		if err := tx.Commit(); err != nil {
			return storage.ReorderResult{}, fmt.Errorf("commit reorder no-op: %w", err)
		}
		return storage.ReorderResult{DayID: dayID, Changed: false}, nil
	}

	for _, change := range changes {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET display_order = -display_order WHERE id = ?",
			change.taskID,
		); err != nil {
			return rollbackWith(fmt.Errorf("stage reorder for %s: %w", change.taskID, err))
		}
	}
	for _, change := range changes {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET display_order = ? WHERE id = ?",
			change.order, change.taskID,
		); err != nil {
			if isUniqueConstraintError(err) {
				return rollbackWith(storage.ErrConflict)
			}
			return rollbackWith(fmt.Errorf("apply reorder for %s: %w", change.taskID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.ReorderResult{}, fmt.Errorf("commit reorder write: %w", err)
	}
	return storage.ReorderResult{DayID: dayID, Changed: true}, nil
}

// ListDaysData reads the owner's non-empty days in the inclusive range from
// one query, so a concurrent batch is either fully visible or not at all.
func (s *Store) ListDaysData(ctx context.Context, ownerID, dateFrom, dateTo string) ([]storage.DayData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT d.id, d.owner_id, d.date, d.created_at,
       t.id, t.period_id, t.task_type_id, t.task_source_id, t.description, t.display_order, t.created_at
FROM days d
JOIN tasks t ON t.day_id = d.id
WHERE d.owner_id = ? AND d.date >= ? AND d.date <= ?
ORDER BY d.date ASC, t.display_order ASC
`, ownerID, dateFrom, dateTo)
	if err != nil {
		return nil, fmt.Errorf("list days data: %w", err)
	}
	defer rows.Close()

	var result []storage.DayData
	for rows.Next() {
		var day storage.DayRecord
		var task storage.TaskRecord
		var dayCreatedAt, taskCreatedAt int64
		if err := rows.Scan(
			&day.ID, &day.OwnerID, &day.Date, &dayCreatedAt,
			&task.ID, &task.PeriodID, &task.TaskTypeID, &task.TaskSourceID,
			&task.Description, &task.DisplayOrder, &taskCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan days data row: %w", err)
		}
		day.CreatedAt = fromMillis(dayCreatedAt)
		task.DayID = day.ID
		task.Date = day.Date
		task.CreatedAt = fromMillis(taskCreatedAt)

		if len(result) == 0 || result[len(result)-1].Day.ID != day.ID {
			result = append(result, storage.DayData{Day: day})
		}
		last := &result[len(result)-1]
		last.Tasks = append(last.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate days data rows: %w", err)
	}
	return result, nil
}

// CatalogRefs returns the reference sets used for task field validation.
func (s *Store) CatalogRefs(ctx context.Context) (storage.CatalogRefs, error) {
	refs := storage.CatalogRefs{
		Periods:     make(map[string]struct{}),
		TaskTypes:   make(map[string]struct{}),
		TaskSources: make(map[string]struct{}),
	}
	for _, catalog := range []struct {
		table string
		set   map[string]struct{}
	}{
		{"periods", refs.Periods},
		{"task_types", refs.TaskTypes},
		{"task_sources", refs.TaskSources},
	} {
		entries, err := s.listCatalog(ctx, catalog.table)
		if err != nil {
			return storage.CatalogRefs{}, err
		}
		for _, entry := range entries {
			catalog.set[entry.ID] = struct{}{}
		}
	}
	return refs, nil
}

// ListPeriods lists the period catalog.
func (s *Store) ListPeriods(ctx context.Context) ([]storage.CatalogEntry, error) {
	return s.listCatalog(ctx, "periods")
}

// ListTaskTypes lists the task type catalog.
func (s *Store) ListTaskTypes(ctx context.Context) ([]storage.CatalogEntry, error) {
	return s.listCatalog(ctx, "task_types")
}

// ListTaskSources lists the task source catalog.
func (s *Store) ListTaskSources(ctx context.Context) ([]storage.CatalogEntry, error) {
	return s.listCatalog(ctx, "task_sources")
}

func (s *Store) listCatalog(ctx context.Context, table string) ([]storage.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT id, name FROM "+table+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var entries []storage.CatalogEntry
	for rows.Next() {
		var entry storage.CatalogEntry
		if err := rows.Scan(&entry.ID, &entry.Name); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", table, err)
	}
	return entries, nil
}

// arrangeIDs returns ids with the element at from moved to position to,
// clamped the same way the order planner clamps it.
func arrangeIDs(ids []string, from, to int) []string {
	if to < 0 {
		to = 0
	}
	if to >= len(ids) {
		to = len(ids) - 1
	}
	moved := ids[from]
	rest := make([]string, 0, len(ids)-1)
	rest = append(rest, ids[:from]...)
	rest = append(rest, ids[from+1:]...)

	arranged := make([]string, 0, len(ids))
	arranged = append(arranged, rest[:to]...)
	arranged = append(arranged, moved)
	arranged = append(arranged, rest[to:]...)
	return arranged
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
