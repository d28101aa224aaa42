// Package storage defines the persistence boundary for the task ledger.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a write collided with a uniqueness constraint.
var ErrConflict = errors.New("write conflict")

// DayRecord is one (owner, calendar date) bucket. Date is stored as
// YYYY-MM-DD with no time component so the uniqueness constraint holds.
type DayRecord struct {
	ID        string
	OwnerID   string
	Date      string
	CreatedAt time.Time
}

// TaskRecord is one logged time entry inside a day.
type TaskRecord struct {
	ID           string
	DayID        string
	Date         string
	PeriodID     string
	TaskTypeID   string
	TaskSourceID string
	Description  string
	DisplayOrder int64
	CreatedAt    time.Time
}

// DayData is one day bucket with its tasks in ascending display order.
type DayData struct {
	Day   DayRecord
	Tasks []TaskRecord
}

// CatalogEntry is one row of a read-only lookup catalog.
type CatalogEntry struct {
	ID   string
	Name string
}

// CatalogRefs is a snapshot of the valid classification references.
type CatalogRefs struct {
	Periods     map[string]struct{}
	TaskTypes   map[string]struct{}
	TaskSources map[string]struct{}
}

// CreateTasksBatch carries one whole createTasks call. Days holds one
// candidate row per distinct date; when a day already exists the candidate
// ID is discarded in favor of the stored one. Tasks preserve caller order
// and are matched to their resolved day by Date.
type CreateTasksBatch struct {
	OwnerID string
	Days    []DayRecord
	Tasks   []TaskRecord
}

// ReorderRequest repositions one task among its day's siblings.
type ReorderRequest struct {
	OwnerID     string
	TaskID      string
	Date        string
	NewPosition int
}

// ReorderResult reports the outcome of a reorder write.
type ReorderResult struct {
	DayID   string
	Changed bool
}

// Store is the persistence contract consumed by the ledger domain service.
type Store interface {
	// CreateTasks atomically resolves day buckets, assigns display orders
	// and inserts every task of the batch, or nothing at all.
	CreateTasks(ctx context.Context, batch CreateTasksBatch) ([]TaskRecord, error)
	// ReorderTask moves one task to a new position within its day,
	// renumbering only the orders the move requires.
	ReorderTask(ctx context.Context, req ReorderRequest) (ReorderResult, error)
	// ListDaysData returns the owner's non-empty days in [dateFrom, dateTo]
	// inclusive, tasks ascending by display order, from one snapshot.
	ListDaysData(ctx context.Context, ownerID, dateFrom, dateTo string) ([]DayData, error)

	CatalogRefs(ctx context.Context) (CatalogRefs, error)
	ListPeriods(ctx context.Context) ([]CatalogEntry, error)
	ListTaskTypes(ctx context.Context) ([]CatalogEntry, error)
	ListTaskSources(ctx context.Context) ([]CatalogEntry, error)

	Close() error
}
