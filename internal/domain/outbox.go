package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	EventAppointmentBooked    = "appointment.booked"
	EventAppointmentCompleted = "appointment.completed"
	EventAppointmentCancelled = "appointment.cancelled"
)

type OutboxEvent struct {
	bun.BaseModel `bun:"table:outbox_events"`

	ID          uuid.UUID  `bun:"id,pk,type:uuid"`
	AggregateID string     `bun:"aggregate_id,notnull"`
	EventType   string     `bun:"event_type,notnull"`
	Payload     []byte     `bun:"payload,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	PublishedAt *time.Time `bun:"published_at"`
}

func (e *OutboxEvent) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

type appointmentEventPayload struct {
	AppointmentID string    `json:"appointmentId"`
	OwnerID       string    `json:"ownerId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Month         string    `json:"month"`
	Status        Status    `json:"status"`
	Notes         string    `json:"notes,omitempty"`
}

func NewOutboxEvent(eventType string, a Appointment) (OutboxEvent, error) {
	payload, err := json.Marshal(appointmentEventPayload{
		AppointmentID: a.ID.String(),
		OwnerID:       a.OwnerID,
		ScheduledAt:   a.ScheduledAt.UTC(),
		Month:         a.ScheduledMonth,
		Status:        a.Status,
		Notes:         a.Notes,
	})
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		AggregateID: a.ID.String(),
		EventType:   eventType,
		Payload:     payload,
	}, nil
}
