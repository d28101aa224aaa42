package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/fernwick/timeledger/internal/ledger/storage"
	"github.com/fernwick/timeledger/internal/platform/errors"
)

type fakeStore struct {
	refs          storage.CatalogRefs
	createErrs    []error
	createBatches []storage.CreateTasksBatch
	reorderErrs   []error
	reorderResult storage.ReorderResult
	reorderReqs   []storage.ReorderRequest
	daysData      []storage.DayData
	periods       []storage.CatalogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refs: storage.CatalogRefs{
			Periods:     map[string]struct{}{"am": {}, "pm": {}},
			TaskTypes:   map[string]struct{}{"dev": {}},
			TaskSources: map[string]struct{}{"ticket": {}},
		},
	}
}

func (f *fakeStore) CreateTasks(ctx context.Context, batch storage.CreateTasksBatch) ([]storage.TaskRecord, error) {
	f.createBatches = append(f.createBatches, batch)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	inserted := make([]storage.TaskRecord, len(batch.Tasks))
	copy(inserted, batch.Tasks)
	for i := range inserted {
		inserted[i].DisplayOrder = int64((i + 1) * 1024)
	}
	return inserted, nil
}

func (f *fakeStore) ReorderTask(ctx context.Context, req storage.ReorderRequest) (storage.ReorderResult, error) {
	f.reorderReqs = append(f.reorderReqs, req)
	if len(f.reorderErrs) > 0 {
		err := f.reorderErrs[0]
		f.reorderErrs = f.reorderErrs[1:]
		if err != nil {
			return storage.ReorderResult{}, err
		}
	}
	return f.reorderResult, nil
}

func (f *fakeStore) ListDaysData(ctx context.Context, ownerID, dateFrom, dateTo string) ([]storage.DayData, error) {
	return f.daysData, nil
}

func (f *fakeStore) CatalogRefs(ctx context.Context) (storage.CatalogRefs, error) {
	return f.refs, nil
}

func (f *fakeStore) ListPeriods(ctx context.Context) ([]storage.CatalogEntry, error) {
	return f.periods, nil
}

func (f *fakeStore) ListTaskTypes(ctx context.Context) ([]storage.CatalogEntry, error) {
	return nil, nil
}

func (f *fakeStore) ListTaskSources(ctx context.Context) ([]storage.CatalogEntry, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

type fakePublisher struct {
	events []ChangeEvent
}

func (f *fakePublisher) Publish(event ChangeEvent) {
	f.events = append(f.events, event)
}

func sequenceIDs(prefix string) func() (string, error) {
	next := 0
	return func() (string, error) {
		next++
		return fmt.Sprintf("%s-%d", prefix, next), nil
	}
}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)
}

func validSpec(date string) TaskSpec {
	return TaskSpec{
		Date:         date,
		PeriodID:     "am",
		TaskTypeID:   "dev",
		TaskSourceID: "ticket",
		Description:  "write report",
	}
}

func TestCreateTasksReturnsIDsInInputOrder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	publisher := &fakePublisher{}
	svc := NewService(store, publisher, fixedClock, sequenceIDs("id"))

	ids, err := svc.CreateTasks(context.Background(), CreateTasksInput{
		OwnerID: "owner-1",
		Tasks:   []TaskSpec{validSpec("2026-03-06"), validSpec("2026-03-05"), validSpec("2026-03-06")},
	})
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	batch := store.createBatches[0]
	if len(batch.Days) != 2 {
		t.Fatalf("expected 2 day candidates, got %d", len(batch.Days))
	}
	if batch.Days[0].Date != "2026-03-05" || batch.Days[1].Date != "2026-03-06" {
		t.Fatalf("day dates = %s, %s, want sorted distinct dates", batch.Days[0].Date, batch.Days[1].Date)
	}
	for i, taskID := range ids {
		if batch.Tasks[i].ID != taskID {
			t.Fatalf("id %d = %q, want input order preserved", i, taskID)
		}
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.Kind != ChangeCreated || event.OwnerID != "owner-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Dates) != 2 || event.Dates[0] != "2026-03-05" {
		t.Fatalf("event dates = %v, want sorted distinct dates", event.Dates)
	}
}

func TestCreateTasksValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     CreateTasksInput
		wantCode  errors.Code
		wantField string
	}{
		{
			name:     "missing owner",
			input:    CreateTasksInput{Tasks: []TaskSpec{validSpec("2026-03-05")}},
			wantCode: errors.CodeTaskOwnerRequired,
		},
		{
			name:     "empty batch",
			input:    CreateTasksInput{OwnerID: "owner-1"},
			wantCode: errors.CodeTaskEmptyBatch,
		},
		{
			name: "invalid date",
			input: CreateTasksInput{OwnerID: "owner-1", Tasks: []TaskSpec{
				validSpec("2026-3-5"),
			}},
			wantCode:  errors.CodeTaskInvalidDate,
			wantField: "date",
		},
		{
			name: "unknown period",
			input: CreateTasksInput{OwnerID: "owner-1", Tasks: []TaskSpec{{
				Date: "2026-03-05", PeriodID: "night", TaskTypeID: "dev", TaskSourceID: "ticket",
			}}},
			wantCode:  errors.CodeTaskUnknownPeriod,
			wantField: "period_id",
		},
		{
			name: "unknown task type",
			input: CreateTasksInput{OwnerID: "owner-1", Tasks: []TaskSpec{{
				Date: "2026-03-05", PeriodID: "am", TaskTypeID: "ops", TaskSourceID: "ticket",
			}}},
			wantCode:  errors.CodeTaskUnknownType,
			wantField: "task_type_id",
		},
		{
			name: "unknown task source",
			input: CreateTasksInput{OwnerID: "owner-1", Tasks: []TaskSpec{{
				Date: "2026-03-05", PeriodID: "am", TaskTypeID: "dev", TaskSourceID: "fax",
			}}},
			wantCode:  errors.CodeTaskUnknownSource,
			wantField: "task_source_id",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := NewService(newFakeStore(), nil, fixedClock, sequenceIDs("id"))
			_, err := svc.CreateTasks(context.Background(), tc.input)
			if errors.CodeOf(err) != tc.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", errors.CodeOf(err), tc.wantCode, err)
			}
			if tc.wantField != "" && errors.FieldOf(err) != tc.wantField {
				t.Fatalf("field = %q, want %q", errors.FieldOf(err), tc.wantField)
			}
		})
	}
}

func TestCreateTasksRetriesConflictOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErrs = []error{storage.ErrConflict}
	publisher := &fakePublisher{}
	svc := NewService(store, publisher, fixedClock, sequenceIDs("id"))

	ids, err := svc.CreateTasks(context.Background(), CreateTasksInput{
		OwnerID: "owner-1",
		Tasks:   []TaskSpec{validSpec("2026-03-05")},
	})
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 id, got %d", len(ids))
	}
	if len(store.createBatches) != 2 {
		t.Fatalf("expected 2 store attempts, got %d", len(store.createBatches))
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 event after retry, got %d", len(publisher.events))
	}
}

func TestCreateTasksPersistentConflict(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErrs = []error{storage.ErrConflict, storage.ErrConflict}
	svc := NewService(store, &fakePublisher{}, fixedClock, sequenceIDs("id"))

	_, err := svc.CreateTasks(context.Background(), CreateTasksInput{
		OwnerID: "owner-1",
		Tasks:   []TaskSpec{validSpec("2026-03-05")},
	})
	if errors.CodeOf(err) != errors.CodeDayConflict {
		t.Fatalf("code = %v, want %v", errors.CodeOf(err), errors.CodeDayConflict)
	}
	if !errors.CodeOf(err).Retryable() {
		t.Fatal("expected retryable conflict")
	}
}

func TestReorderTaskPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.reorderResult = storage.ReorderResult{DayID: "day-1", Changed: true}
	publisher := &fakePublisher{}
	svc := NewService(store, publisher, fixedClock, sequenceIDs("id"))

	outcome, err := svc.ReorderTask(context.Background(), ReorderInput{
		OwnerID:     "owner-1",
		TaskID:      "task-1",
		Date:        "2026-03-05",
		NewPosition: 2,
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if !outcome.Changed {
		t.Fatal("expected changed outcome")
	}
	if len(publisher.events) != 1 || publisher.events[0].Kind != ChangeReordered {
		t.Fatalf("expected one reordered event, got %+v", publisher.events)
	}

	store.reorderResult = storage.ReorderResult{DayID: "day-1", Changed: false}
	outcome, err = svc.ReorderTask(context.Background(), ReorderInput{
		OwnerID:     "owner-1",
		TaskID:      "task-1",
		Date:        "2026-03-05",
		NewPosition: 2,
	})
	if err != nil {
		t.Fatalf("reorder no-op: %v", err)
	}
	if outcome.Changed {
		t.Fatal("expected unchanged outcome")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("no-op reorder published an event: %+v", publisher.events)
	}
}

func TestReorderTaskNegativePosition(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeStore(), nil, fixedClock, sequenceIDs("id"))
	_, err := svc.ReorderTask(context.Background(), ReorderInput{
		OwnerID:     "owner-1",
		TaskID:      "task-1",
		Date:        "2026-03-05",
		NewPosition: -1,
	})
	if errors.CodeOf(err) != errors.CodeTaskInvalidPosition {
		t.Fatalf("code = %v, want %v", errors.CodeOf(err), errors.CodeTaskInvalidPosition)
	}
}

func TestReorderTaskNotFound(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.reorderErrs = []error{storage.ErrNotFound}
	svc := NewService(store, nil, fixedClock, sequenceIDs("id"))

	_, err := svc.ReorderTask(context.Background(), ReorderInput{
		OwnerID:     "owner-1",
		TaskID:      "task-missing",
		Date:        "2026-03-05",
		NewPosition: 0,
	})
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("code = %v, want %v", errors.CodeOf(err), errors.CodeNotFound)
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected wrapped storage.ErrNotFound")
	}
}

func TestReorderTaskRetriesConflictOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.reorderErrs = []error{storage.ErrConflict}
	store.reorderResult = storage.ReorderResult{DayID: "day-1", Changed: true}
	svc := NewService(store, &fakePublisher{}, fixedClock, sequenceIDs("id"))

	outcome, err := svc.ReorderTask(context.Background(), ReorderInput{
		OwnerID:     "owner-1",
		TaskID:      "task-1",
		Date:        "2026-03-05",
		NewPosition: 0,
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if !outcome.Changed {
		t.Fatal("expected changed outcome after retry")
	}
	if len(store.reorderReqs) != 2 {
		t.Fatalf("expected 2 store attempts, got %d", len(store.reorderReqs))
	}
}

func TestGetDaysDataValidatesRange(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeStore(), nil, fixedClock, sequenceIDs("id"))
	_, err := svc.GetDaysData(context.Background(), RangeInput{
		OwnerID:  "owner-1",
		DateFrom: "2026-03-06",
		DateTo:   "2026-03-05",
	})
	if errors.CodeOf(err) != errors.CodeRangeInvalid {
		t.Fatalf("code = %v, want %v", errors.CodeOf(err), errors.CodeRangeInvalid)
	}
}

func TestGetDaysDataMapsRecords(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.daysData = []storage.DayData{{
		Day: storage.DayRecord{ID: "day-1", OwnerID: "owner-1", Date: "2026-03-05"},
		Tasks: []storage.TaskRecord{{
			ID: "task-1", Date: "2026-03-05", PeriodID: "am", TaskTypeID: "dev",
			TaskSourceID: "ticket", Description: "write report", DisplayOrder: 1024,
		}},
	}}
	svc := NewService(store, nil, fixedClock, sequenceIDs("id"))

	days, err := svc.GetDaysData(context.Background(), RangeInput{
		OwnerID:  "owner-1",
		DateFrom: "2026-03-05",
		DateTo:   "2026-03-05",
	})
	if err != nil {
		t.Fatalf("get days data: %v", err)
	}
	if len(days) != 1 || days[0].Date != "2026-03-05" {
		t.Fatalf("unexpected days %+v", days)
	}
	if len(days[0].Tasks) != 1 || days[0].Tasks[0].DisplayOrder != 1024 {
		t.Fatalf("unexpected tasks %+v", days[0].Tasks)
	}
}

func TestPeriodsCatalog(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.periods = []storage.CatalogEntry{{ID: "am", Name: "Morning"}}
	svc := NewService(store, nil, fixedClock, sequenceIDs("id"))

	periods, err := svc.Periods(context.Background())
	if err != nil {
		t.Fatalf("periods: %v", err)
	}
	if len(periods) != 1 || periods[0].ID != "am" || periods[0].Name != "Morning" {
		t.Fatalf("unexpected periods %+v", periods)
	}
}
