package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/store"
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

type ownerTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) Book(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	var out domain.Appointment
	err := r.InOwnerTransaction(ctx, appt.OwnerID, func(ctx context.Context, tx store.OwnerTx) error {
		if appt.ID != uuid.Nil {
			existing, err := tx.GetAppointment(ctx, appt.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.OwnerID != appt.OwnerID || !existing.ScheduledAt.Equal(appt.ScheduledAt) {
					return store.ErrIdempotencyConflict
				}
				out = *existing
				return nil
			}
		}

		active, err := tx.FindActiveInMonth(ctx, appt.OwnerID, appt.ScheduledMonth)
		if err != nil {
			return err
		}
		if active != nil {
			return store.ErrConflict
		}

		created, err := tx.InsertAppointment(ctx, appt)
		if err != nil {
			return err
		}
		evt, err := domain.NewOutboxEvent(domain.EventAppointmentBooked, created)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (r *AppointmentRepo) FindActiveInMonth(ctx context.Context, ownerID, month string) (*domain.Appointment, error) {
	return findActiveInMonth(ctx, r.db, ownerID, month)
}

func (r *AppointmentRepo) FindUpcoming(ctx context.Context, ownerID string, now time.Time) (*domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().
		Model(&a).
		Where("owner_id = ?", ownerID).
		Where("scheduled_at >= ?", now.UTC()).
		Where("status = ?", domain.StatusScheduled).
		OrderExpr("scheduled_at ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AppointmentRepo) ListPast(ctx context.Context, ownerID string, now time.Time) ([]domain.Appointment, error) {
	rows := make([]domain.Appointment, 0)
	err := r.db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", ownerID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("scheduled_at < ?", now.UTC()).
				WhereOr("status = ?", domain.StatusCompleted)
		}).
		OrderExpr("scheduled_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	a, err := getAppointment(ctx, r.db, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if a == nil {
		return domain.Appointment{}, store.ErrNotFound
	}
	return *a, nil
}

func (r *AppointmentRepo) Transition(ctx context.Context, appointmentID uuid.UUID, next domain.Status, notes string) (domain.Appointment, error) {
	current, err := r.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err = r.InOwnerTransaction(ctx, current.OwnerID, func(ctx context.Context, tx store.OwnerTx) error {
		appt, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt == nil {
			return store.ErrNotFound
		}

		from := appt.Status
		if err := appt.Transition(next, notes, time.Now()); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, *appt, from); err != nil {
			return err
		}

		evt, err := domain.NewOutboxEvent(transitionEventType(next), *appt)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		out = *appt
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func transitionEventType(next domain.Status) string {
	if next == domain.StatusCompleted {
		return domain.EventAppointmentCompleted
	}
	return domain.EventAppointmentCancelled
}

func (r *AppointmentRepo) InOwnerTransaction(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.OwnerTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockOwner(ctx, tx, ownerID); err != nil {
			return err
		}
		return fn(ctx, ownerTx{tx: tx})
	})
}

func lockOwner(ctx context.Context, tx bun.Tx, ownerID string) error {
	if tx.Dialect().Name() != dialect.PG {
		return nil
	}
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "vaxbook:owner:"+ownerID).Exec(ctx)
	return err
}

func (t ownerTx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error) {
	return getAppointment(ctx, t.tx, appointmentID)
}

func (t ownerTx) FindActiveInMonth(ctx context.Context, ownerID, month string) (*domain.Appointment, error) {
	return findActiveInMonth(ctx, t.tx, ownerID, month)
}

func (t ownerTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := domain.Appointment{
		ID:             appt.ID,
		OwnerID:        appt.OwnerID,
		ScheduledAt:    appt.ScheduledAt.UTC(),
		ScheduledMonth: appt.ScheduledMonth,
		Status:         domain.StatusScheduled,
	}

	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		switch {
		case isActiveMonthViolation(err):
			return domain.Appointment{}, store.ErrConflict
		case isPrimaryKeyViolation(err):
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
		return domain.Appointment{}, err
	}
	return m, nil
}

func (t ownerTx) UpdateStatus(ctx context.Context, appt domain.Appointment, from domain.Status) error {
	res, err := t.tx.NewUpdate().
		Model(&appt).
		Column("status", "notes", "updated_at").
		WherePK().
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		if isActiveMonthViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (t ownerTx) AppendEvent(ctx context.Context, evt domain.OutboxEvent) error {
	_, err := t.tx.NewInsert().Model(&evt).Exec(ctx)
	return err
}

func getAppointment(ctx context.Context, db bun.IDB, appointmentID uuid.UUID) (*domain.Appointment, error) {
	var a domain.Appointment
	err := db.NewSelect().
		Model(&a).
		Where("id = ?", appointmentID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func findActiveInMonth(ctx context.Context, db bun.IDB, ownerID, month string) (*domain.Appointment, error) {
	var a domain.Appointment
	err := db.NewSelect().
		Model(&a).
		Where("owner_id = ?", ownerID).
		Where("scheduled_month = ?", month).
		Where("status <> ?", domain.StatusCancelled).
		OrderExpr("scheduled_at ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
