package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/store"
)

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := Open("sqlite://"+filepath.Join(t.TempDir(), "vaxbook.db"), PoolConfig{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	return db
}

func newAppointment(ownerID string, at time.Time) domain.Appointment {
	return domain.Appointment{
		OwnerID:        ownerID,
		ScheduledAt:    at.UTC(),
		ScheduledMonth: domain.MonthKey(at),
	}
}

func mustBook(t *testing.T, repo *AppointmentRepo, appt domain.Appointment) domain.Appointment {
	t.Helper()
	created, err := repo.Book(context.Background(), appt)
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	return created
}

func countRows(t *testing.T, db *bun.DB, model any) int {
	t.Helper()
	n, err := db.NewSelect().Model(model).Count(context.Background())
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	return n
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
}

func TestAppointmentRepoBook_OnePerMonth(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	created := mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))
	if created.ID == uuid.Nil {
		t.Fatalf("expected id to be assigned")
	}
	if created.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want %s", created.Status, domain.StatusScheduled)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected audit timestamps, got %+v", created)
	}

	_, err := repo.Book(ctx, newAppointment("u1", time.Date(2025, 6, 28, 15, 0, 0, 0, time.UTC)))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("same month err = %v, want %v", err, store.ErrConflict)
	}

	mustBook(t, repo, newAppointment("u1", time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)))
	mustBook(t, repo, newAppointment("u2", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))

	if n := countRows(t, db, (*domain.Appointment)(nil)); n != 3 {
		t.Fatalf("appointments = %d, want 3", n)
	}
	if n := countRows(t, db, (*domain.OutboxEvent)(nil)); n != 3 {
		t.Fatalf("outbox events = %d, want 3", n)
	}
}

func TestAppointmentRepoBook_ConcurrentSameMonth(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			<-start
			_, err := repo.Book(context.Background(), newAppointment("u1", time.Date(2025, 6, day, 9, 0, 0, 0, time.UTC)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i + 1)
	}
	close(start)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("successes=%d conflicts=%d, want 1 and %d", successes, conflicts, workers-1)
	}
	if n := countRows(t, db, (*domain.Appointment)(nil)); n != 1 {
		t.Fatalf("appointments = %d, want 1", n)
	}
	if n := countRows(t, db, (*domain.OutboxEvent)(nil)); n != 1 {
		t.Fatalf("outbox events = %d, want 1", n)
	}
}

func TestAppointmentRepoBook_UniqueIndexBackstop(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := ownerTx{tx: tx}.InsertAppointment(ctx, newAppointment("u1", time.Date(2025, 6, 20, 9, 0, 0, 0, time.UTC)))
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("direct insert err = %v, want %v", err, store.ErrConflict)
	}
}

func TestAppointmentRepoBook_IdempotentReplay(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	appt := newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	appt.ID = uuid.MustParse("00000000-0000-0000-0000-000000000901")

	first := mustBook(t, repo, appt)
	second, err := repo.Book(ctx, appt)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay id = %s, want %s", second.ID, first.ID)
	}
	if n := countRows(t, db, (*domain.Appointment)(nil)); n != 1 {
		t.Fatalf("appointments = %d, want 1", n)
	}

	moved := appt
	moved.ScheduledAt = appt.ScheduledAt.Add(time.Hour)
	_, err = repo.Book(ctx, moved)
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("reused key err = %v, want %v", err, store.ErrIdempotencyConflict)
	}
}

func TestAppointmentRepoTransition(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	created := mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))

	cancelled, err := repo.Transition(ctx, created.ID, domain.StatusCancelled, "rescheduling")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.Notes != "rescheduling" {
		t.Fatalf("unexpected appointment: %+v", cancelled)
	}

	stored, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if stored.Status != domain.StatusCancelled || stored.Notes != "rescheduling" {
		t.Fatalf("stored appointment not updated: %+v", stored)
	}

	_, err = repo.Transition(ctx, created.ID, domain.StatusCompleted, "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal transition err = %v, want %v", err, domain.ErrInvalidTransition)
	}

	_, err = repo.Transition(ctx, uuid.MustParse("00000000-0000-0000-0000-000000000999"), domain.StatusCompleted, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing appointment err = %v, want %v", err, store.ErrNotFound)
	}

	// The cancelled slot no longer counts, so the month is bookable again.
	mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 20, 9, 0, 0, 0, time.UTC)))

	if n := countRows(t, db, (*domain.OutboxEvent)(nil)); n != 3 {
		t.Fatalf("outbox events = %d, want 3", n)
	}
}

func TestAppointmentRepoFindActiveInMonth(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()

	created := mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))

	active, err := repo.FindActiveInMonth(ctx, "u1", "2025-06")
	if err != nil {
		t.Fatalf("FindActiveInMonth error: %v", err)
	}
	if active == nil || active.ID != created.ID {
		t.Fatalf("active = %+v, want id %s", active, created.ID)
	}

	if _, err := repo.Transition(ctx, created.ID, domain.StatusCompleted, "dose 1"); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	active, err = repo.FindActiveInMonth(ctx, "u1", "2025-06")
	if err != nil {
		t.Fatalf("FindActiveInMonth error: %v", err)
	}
	if active == nil {
		t.Fatalf("completed appointment must still count against the month")
	}

	active, err = repo.FindActiveInMonth(ctx, "u1", "2025-07")
	if err != nil {
		t.Fatalf("FindActiveInMonth error: %v", err)
	}
	if active != nil {
		t.Fatalf("active = %+v, want nil", active)
	}
}

func TestAppointmentRepoClassification(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	may := mustBook(t, repo, newAppointment("u1", time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)))
	april := mustBook(t, repo, newAppointment("u1", time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)))
	july := mustBook(t, repo, newAppointment("u1", time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC)))
	june := mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)))
	august := mustBook(t, repo, newAppointment("u1", time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)))
	mustBook(t, repo, newAppointment("u2", time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)))

	if _, err := repo.Transition(ctx, april.ID, domain.StatusCancelled, ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if _, err := repo.Transition(ctx, august.ID, domain.StatusCompleted, "marked early"); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if _, err := repo.Transition(ctx, june.ID, domain.StatusCancelled, ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	upcoming, err := repo.FindUpcoming(ctx, "u1", now)
	if err != nil {
		t.Fatalf("FindUpcoming error: %v", err)
	}
	if upcoming == nil || upcoming.ID != july.ID {
		t.Fatalf("upcoming = %+v, want id %s", upcoming, july.ID)
	}

	past, err := repo.ListPast(ctx, "u1", now)
	if err != nil {
		t.Fatalf("ListPast error: %v", err)
	}
	want := []uuid.UUID{august.ID, may.ID, april.ID}
	if len(past) != len(want) {
		t.Fatalf("len(past) = %d, want %d: %+v", len(past), len(want), past)
	}
	for i, id := range want {
		if past[i].ID != id {
			t.Fatalf("past[%d] = %s, want %s", i, past[i].ID, id)
		}
	}

	none, err := repo.FindUpcoming(ctx, "u3", now)
	if err != nil {
		t.Fatalf("FindUpcoming error: %v", err)
	}
	if none != nil {
		t.Fatalf("upcoming for unknown owner = %+v, want nil", none)
	}
	empty, err := repo.ListPast(ctx, "u3", now)
	if err != nil {
		t.Fatalf("ListPast error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("past for unknown owner = %#v, want empty slice", empty)
	}
}

func TestOutboxRepoDrain(t *testing.T) {
	db := openTestDB(t)
	repo := NewAppointmentRepo(db)
	outbox := NewOutboxRepo(db)
	ctx := context.Background()

	mustBook(t, repo, newAppointment("u1", time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))
	mustBook(t, repo, newAppointment("u2", time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)))

	failed := errors.New("broker down")
	n, err := outbox.Drain(ctx, 10, func(ctx context.Context, events []domain.OutboxEvent) error {
		return failed
	})
	if !errors.Is(err, failed) || n != 0 {
		t.Fatalf("Drain = (%d, %v), want (0, %v)", n, err, failed)
	}

	var seen []domain.OutboxEvent
	n, err = outbox.Drain(ctx, 1, func(ctx context.Context, events []domain.OutboxEvent) error {
		seen = append(seen, events...)
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("Drain = (%d, %v), want (1, nil)", n, err)
	}

	n, err = outbox.Drain(ctx, 10, func(ctx context.Context, events []domain.OutboxEvent) error {
		seen = append(seen, events...)
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("Drain = (%d, %v), want (1, nil)", n, err)
	}

	n, err = outbox.Drain(ctx, 10, func(ctx context.Context, events []domain.OutboxEvent) error {
		t.Fatalf("no events expected, got %d", len(events))
		return nil
	})
	if err != nil || n != 0 {
		t.Fatalf("Drain = (%d, %v), want (0, nil)", n, err)
	}

	if len(seen) != 2 || seen[0].ID == seen[1].ID {
		t.Fatalf("seen = %+v, want two distinct events", seen)
	}
	for _, e := range seen {
		if e.EventType != domain.EventAppointmentBooked {
			t.Fatalf("event type = %q, want %q", e.EventType, domain.EventAppointmentBooked)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in     string
		wantOK bool
		prefix string
	}{
		{in: "sqlite:///var/lib/vaxbook.db", wantOK: true, prefix: "file:/var/lib/vaxbook.db?"},
		{in: "sqlite:./local.db", wantOK: true, prefix: "file:./local.db?"},
		{in: "sqlite::memory:", wantOK: true, prefix: "file::memory:?"},
		{in: "postgres://u:p@localhost:5432/db", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := sqliteDSN(tt.in)
		if ok != tt.wantOK {
			t.Fatalf("sqliteDSN(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
		}
		if ok && (len(got) < len(tt.prefix) || got[:len(tt.prefix)] != tt.prefix) {
			t.Fatalf("sqliteDSN(%q) = %q, want prefix %q", tt.in, got, tt.prefix)
		}
	}
}
