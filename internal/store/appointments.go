package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vaxbook/backend/internal/domain"
)

// AppointmentRepository is the record store the booking rules run against.
type AppointmentRepository interface {
	// Book creates appt unless the owner already holds a non-cancelled
	// appointment in appt.ScheduledMonth, in which case it returns ErrConflict.
	Book(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	FindActiveInMonth(ctx context.Context, ownerID, month string) (*domain.Appointment, error)
	FindUpcoming(ctx context.Context, ownerID string, now time.Time) (*domain.Appointment, error)
	ListPast(ctx context.Context, ownerID string, now time.Time) ([]domain.Appointment, error)
	Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	Transition(ctx context.Context, appointmentID uuid.UUID, next domain.Status, notes string) (domain.Appointment, error)
}

// OwnerTx is the set of operations available while an owner's bookings are
// locked against concurrent writers.
type OwnerTx interface {
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (*domain.Appointment, error)
	FindActiveInMonth(ctx context.Context, ownerID, month string) (*domain.Appointment, error)
	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateStatus(ctx context.Context, appt domain.Appointment, from domain.Status) error
	AppendEvent(ctx context.Context, evt domain.OutboxEvent) error
}

type OutboxRepository interface {
	// Drain hands up to limit unpublished events to fn and marks them
	// published when fn returns nil.
	Drain(ctx context.Context, limit int, fn func(ctx context.Context, events []domain.OutboxEvent) error) (int, error)
}
