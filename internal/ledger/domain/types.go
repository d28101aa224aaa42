// Package domain holds the task ledger's business rules: day-scoped task
// creation, gap-based reordering and range reads, independent of transport
// and persistence.
package domain

// TaskSpec describes one task to create. Date is a YYYY-MM-DD calendar date
// in the owner's ledger; the classification fields reference catalog entries.
type TaskSpec struct {
	Date         string
	PeriodID     string
	TaskTypeID   string
	TaskSourceID string
	Description  string
}

// CreateTasksInput is one atomic batch of tasks for a single owner. The
// batch may span multiple dates.
type CreateTasksInput struct {
	OwnerID string
	Tasks   []TaskSpec
}

// ReorderInput moves one task to a zero-based position among its day's
// siblings. Positions past the end mean "move to last".
type ReorderInput struct {
	OwnerID     string
	TaskID      string
	Date        string
	NewPosition int
}

// RangeInput is an inclusive calendar date range for a single owner.
type RangeInput struct {
	OwnerID  string
	DateFrom string
	DateTo   string
}

// Task is one logged entry as read back from the ledger.
type Task struct {
	ID           string
	Date         string
	PeriodID     string
	TaskTypeID   string
	TaskSourceID string
	Description  string
	DisplayOrder int64
}

// DayWithTasks is one non-empty day with tasks in display order.
type DayWithTasks struct {
	Date  string
	Tasks []Task
}

// ReorderOutcome reports whether a reorder changed any stored order.
type ReorderOutcome struct {
	Changed bool
}

// CatalogEntry is one entry of a classification catalog.
type CatalogEntry struct {
	ID   string
	Name string
}

// ChangeKind labels the mutation a change event describes.
type ChangeKind string

const (
	// ChangeCreated signals that a batch of tasks was created.
	ChangeCreated ChangeKind = "created"
	// ChangeReordered signals that a task moved within its day.
	ChangeReordered ChangeKind = "reordered"
)

// ChangeEvent describes one committed ledger mutation for an owner.
type ChangeEvent struct {
	OwnerID string
	Kind    ChangeKind
	TaskIDs []string
	Dates   []string
}

// Publisher receives change events after their mutation has committed.
type Publisher interface {
	Publish(event ChangeEvent)
}
