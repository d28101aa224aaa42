package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fernwick/timeledger/internal/ledger/storage"
	"github.com/fernwick/timeledger/internal/platform/errors"
)

// Service orchestrates ledger use-cases: batch task creation, reordering,
// range reads and catalog lookups. Writes to the same (owner, date) day are
// serialized through per-day locks.
type Service struct {
	store     storage.Store
	publisher Publisher
	locks     *dayLocks
	clock     func() time.Time
	newID     func() (string, error)
}

// NewService constructs ledger domain use-cases. A nil publisher disables
// change events.
func NewService(store storage.Store, publisher Publisher, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = NewID
	}
	return &Service{
		store:     store,
		publisher: publisher,
		locks:     newDayLocks(),
		clock:     clock,
		newID:     newID,
	}
}

func (s *Service) lockKey(ownerID, date string) string {
	return ownerID + "|" + date
}

func (s *Service) publish(event ChangeEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

// CreateTasks creates one atomic batch of tasks for an owner and returns
// the new task IDs in input order. Day buckets for unseen dates are created
// as a side effect. On success exactly one change event is published for
// the whole batch.
func (s *Service) CreateTasks(ctx context.Context, input CreateTasksInput) ([]string, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeStorageFailure, "ledger store is not configured")
	}
	ownerID := strings.TrimSpace(input.OwnerID)
	if ownerID == "" {
		return nil, errors.New(errors.CodeTaskOwnerRequired, "owner id is required")
	}
	if len(input.Tasks) == 0 {
		return nil, errors.New(errors.CodeTaskEmptyBatch, "batch must contain at least one task")
	}

	for i, spec := range input.Tasks {
		if err := validDate(spec.Date); err != nil {
			return nil, errors.WithMetadata(errors.CodeTaskInvalidDate,
				fmt.Sprintf("task %d: invalid date %q", i, spec.Date),
				map[string]string{"field": "date", "value": spec.Date})
		}
	}

	refs, err := s.store.CatalogRefs(ctx)
	if err != nil {
		return nil, wrapStorage("load catalog references", err)
	}
	for i, spec := range input.Tasks {
		if _, ok := refs.Periods[spec.PeriodID]; !ok {
			return nil, errors.WithMetadata(errors.CodeTaskUnknownPeriod,
				fmt.Sprintf("task %d: unknown period %q", i, spec.PeriodID),
				map[string]string{"field": "period_id", "value": spec.PeriodID})
		}
		if _, ok := refs.TaskTypes[spec.TaskTypeID]; !ok {
			return nil, errors.WithMetadata(errors.CodeTaskUnknownType,
				fmt.Sprintf("task %d: unknown task type %q", i, spec.TaskTypeID),
				map[string]string{"field": "task_type_id", "value": spec.TaskTypeID})
		}
		if _, ok := refs.TaskSources[spec.TaskSourceID]; !ok {
			return nil, errors.WithMetadata(errors.CodeTaskUnknownSource,
				fmt.Sprintf("task %d: unknown task source %q", i, spec.TaskSourceID),
				map[string]string{"field": "task_source_id", "value": spec.TaskSourceID})
		}
	}

	dates := distinctSortedDates(input.Tasks)
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, s.lockKey(ownerID, date))
	}
	release, err := s.locks.acquireAll(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(errors.CodeCanceled, "wait for day locks", err)
	}
	defer release()

	var inserted []storage.TaskRecord
	for attempt := 0; ; attempt++ {
		batch, err := s.buildBatch(ownerID, dates, input.Tasks)
		if err != nil {
			return nil, err
		}
		inserted, err = s.store.CreateTasks(ctx, batch)
		if err == nil {
			break
		}
		if stderrors.Is(err, storage.ErrConflict) && attempt == 0 {
			continue
		}
		if stderrors.Is(err, storage.ErrConflict) {
			return nil, errors.Wrap(errors.CodeDayConflict, "create tasks lost a write race", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(errors.CodeCanceled, "create tasks canceled", ctxErr)
		}
		return nil, wrapStorage("create tasks", err)
	}

	ids := make([]string, 0, len(inserted))
	for _, record := range inserted {
		ids = append(ids, record.ID)
	}
	s.publish(ChangeEvent{
		OwnerID: ownerID,
		Kind:    ChangeCreated,
		TaskIDs: ids,
		Dates:   dates,
	})
	return ids, nil
}

func (s *Service) buildBatch(ownerID string, dates []string, specs []TaskSpec) (storage.CreateTasksBatch, error) {
	now := s.clock().UTC()
	batch := storage.CreateTasksBatch{OwnerID: ownerID}
	for _, date := range dates {
		dayID, err := s.newID()
		if err != nil {
			return storage.CreateTasksBatch{}, errors.Wrap(errors.CodeStorageFailure, "generate day id", err)
		}
		batch.Days = append(batch.Days, storage.DayRecord{
			ID:        dayID,
			OwnerID:   ownerID,
			Date:      date,
			CreatedAt: now,
		})
	}
	for _, spec := range specs {
		taskID, err := s.newID()
		if err != nil {
			return storage.CreateTasksBatch{}, errors.Wrap(errors.CodeStorageFailure, "generate task id", err)
		}
		batch.Tasks = append(batch.Tasks, storage.TaskRecord{
			ID:           taskID,
			Date:         spec.Date,
			PeriodID:     spec.PeriodID,
			TaskTypeID:   spec.TaskTypeID,
			TaskSourceID: spec.TaskSourceID,
			Description:  strings.TrimSpace(spec.Description),
			CreatedAt:    now,
		})
	}
	return batch, nil
}

// ReorderTask moves one task to a new position among its day's siblings.
// A change event is published only when a stored order actually changed.
func (s *Service) ReorderTask(ctx context.Context, input ReorderInput) (ReorderOutcome, error) {
	if s == nil || s.store == nil {
		return ReorderOutcome{}, errors.New(errors.CodeStorageFailure, "ledger store is not configured")
	}
	ownerID := strings.TrimSpace(input.OwnerID)
	if ownerID == "" {
		return ReorderOutcome{}, errors.New(errors.CodeTaskOwnerRequired, "owner id is required")
	}
	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return ReorderOutcome{}, errors.New(errors.CodeNotFound, "task id is required")
	}
	if err := validDate(input.Date); err != nil {
		return ReorderOutcome{}, errors.WithMetadata(errors.CodeTaskInvalidDate,
			fmt.Sprintf("invalid date %q", input.Date),
			map[string]string{"field": "date", "value": input.Date})
	}
	if input.NewPosition < 0 {
		return ReorderOutcome{}, errors.WithMetadata(errors.CodeTaskInvalidPosition,
			fmt.Sprintf("position %d is negative", input.NewPosition),
			map[string]string{"field": "new_position"})
	}

	release, err := s.locks.acquire(ctx, s.lockKey(ownerID, input.Date))
	if err != nil {
		return ReorderOutcome{}, errors.Wrap(errors.CodeCanceled, "wait for day lock", err)
	}
	defer release()

	req := storage.ReorderRequest{
		OwnerID:     ownerID,
		TaskID:      taskID,
		Date:        input.Date,
		NewPosition: input.NewPosition,
	}
	var result storage.ReorderResult
	for attempt := 0; ; attempt++ {
		result, err = s.store.ReorderTask(ctx, req)
		if err == nil {
			break
		}
		if stderrors.Is(err, storage.ErrNotFound) {
			return ReorderOutcome{}, errors.Wrap(errors.CodeNotFound, "task or day not found", err)
		}
		if stderrors.Is(err, storage.ErrConflict) && attempt == 0 {
			continue
		}
		if stderrors.Is(err, storage.ErrConflict) {
			return ReorderOutcome{}, errors.Wrap(errors.CodeOrderConflict, "reorder lost a write race", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ReorderOutcome{}, errors.Wrap(errors.CodeCanceled, "reorder canceled", ctxErr)
		}
		return ReorderOutcome{}, wrapStorage("reorder task", err)
	}

	if result.Changed {
		s.publish(ChangeEvent{
			OwnerID: ownerID,
			Kind:    ChangeReordered,
			TaskIDs: []string{taskID},
			Dates:   []string{input.Date},
		})
	}
	return ReorderOutcome{Changed: result.Changed}, nil
}

// GetDaysData returns the owner's non-empty days in the inclusive range,
// days ascending by date, tasks ascending by display order.
func (s *Service) GetDaysData(ctx context.Context, input RangeInput) ([]DayWithTasks, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeStorageFailure, "ledger store is not configured")
	}
	ownerID := strings.TrimSpace(input.OwnerID)
	if ownerID == "" {
		return nil, errors.New(errors.CodeTaskOwnerRequired, "owner id is required")
	}
	if err := validDate(input.DateFrom); err != nil {
		return nil, errors.WithMetadata(errors.CodeRangeInvalid,
			fmt.Sprintf("invalid range start %q", input.DateFrom),
			map[string]string{"field": "date_from", "value": input.DateFrom})
	}
	if err := validDate(input.DateTo); err != nil {
		return nil, errors.WithMetadata(errors.CodeRangeInvalid,
			fmt.Sprintf("invalid range end %q", input.DateTo),
			map[string]string{"field": "date_to", "value": input.DateTo})
	}
	if input.DateFrom > input.DateTo {
		return nil, errors.WithMetadata(errors.CodeRangeInvalid,
			fmt.Sprintf("range start %q is after end %q", input.DateFrom, input.DateTo),
			map[string]string{"field": "date_from"})
	}

	records, err := s.store.ListDaysData(ctx, ownerID, input.DateFrom, input.DateTo)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(errors.CodeCanceled, "range read canceled", ctxErr)
		}
		return nil, wrapStorage("list days data", err)
	}

	days := make([]DayWithTasks, 0, len(records))
	for _, record := range records {
		day := DayWithTasks{Date: record.Day.Date}
		for _, task := range record.Tasks {
			day.Tasks = append(day.Tasks, Task{
				ID:           task.ID,
				Date:         task.Date,
				PeriodID:     task.PeriodID,
				TaskTypeID:   task.TaskTypeID,
				TaskSourceID: task.TaskSourceID,
				Description:  task.Description,
				DisplayOrder: task.DisplayOrder,
			})
		}
		days = append(days, day)
	}
	return days, nil
}

// Periods lists the period catalog.
func (s *Service) Periods(ctx context.Context) ([]CatalogEntry, error) {
	return s.catalog(ctx, func(ctx context.Context) ([]storage.CatalogEntry, error) {
		return s.store.ListPeriods(ctx)
	})
}

// TaskTypes lists the task type catalog.
func (s *Service) TaskTypes(ctx context.Context) ([]CatalogEntry, error) {
	return s.catalog(ctx, func(ctx context.Context) ([]storage.CatalogEntry, error) {
		return s.store.ListTaskTypes(ctx)
	})
}

// TaskSources lists the task source catalog.
func (s *Service) TaskSources(ctx context.Context) ([]CatalogEntry, error) {
	return s.catalog(ctx, func(ctx context.Context) ([]storage.CatalogEntry, error) {
		return s.store.ListTaskSources(ctx)
	})
}

func (s *Service) catalog(ctx context.Context, list func(context.Context) ([]storage.CatalogEntry, error)) ([]CatalogEntry, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeStorageFailure, "ledger store is not configured")
	}
	records, err := list(ctx)
	if err != nil {
		return nil, wrapStorage("list catalog", err)
	}
	entries := make([]CatalogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, CatalogEntry{ID: record.ID, Name: record.Name})
	}
	return entries, nil
}

// validDate enforces canonical YYYY-MM-DD values so string comparison
// matches calendar order.
func validDate(value string) error {
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return err
	}
	if parsed.Format(time.DateOnly) != value {
		return fmt.Errorf("date %q is not canonical", value)
	}
	return nil
}

func distinctSortedDates(specs []TaskSpec) []string {
	seen := make(map[string]struct{}, len(specs))
	dates := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, ok := seen[spec.Date]; ok {
			continue
		}
		seen[spec.Date] = struct{}{}
		dates = append(dates, spec.Date)
	}
	sort.Strings(dates)
	return dates
}

func wrapStorage(op string, err error) error {
	return errors.Wrap(errors.CodeStorageFailure, op+" failed", err)
}
