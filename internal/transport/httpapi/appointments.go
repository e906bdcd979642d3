package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/service/appointments"
)

type appointmentDTO struct {
	ID          string    `json:"id" format:"uuid"`
	OwnerID     string    `json:"ownerId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Status      string    `json:"status" enum:"scheduled,completed,cancelled"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toAppointmentDTO(a domain.Appointment) appointmentDTO {
	return appointmentDTO{
		ID:          a.ID.String(),
		OwnerID:     a.OwnerID,
		ScheduledAt: a.ScheduledAt.UTC(),
		Status:      string(a.Status),
		Notes:       a.Notes,
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

type bookInput struct {
	IdempotencyKey string `header:"Idempotency-Key" maxLength:"256" doc:"Replays with the same key return the original appointment"`
	Body           struct {
		Date string `json:"date" minLength:"1" doc:"Requested date-time, e.g. 2025-06-10T09:00" example:"2025-06-10T09:00"`
	}
}

type appointmentOutput struct {
	Body appointmentDTO
}

type dashboardOutput struct {
	Body struct {
		Appointment *appointmentDTO `json:"appointment"`
		CanBook     bool            `json:"canBook"`
	}
}

type canBookOutput struct {
	Body struct {
		CanBook bool `json:"canBook"`
	}
}

type pastOutput struct {
	Body []appointmentDTO
}

var appointmentErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusInternalServerError,
}

func registerAppointments(api huma.API, svc AppointmentService, log *slog.Logger) {
	log = log.With(slog.String("component", "appointments_api"))

	huma.Register(api, huma.Operation{
		OperationID:   "book-appointment",
		Method:        http.MethodPost,
		Path:          "/appointments",
		Summary:       "Book an appointment",
		Description:   "Books a slot. At most one non-cancelled appointment is allowed per calendar month.",
		DefaultStatus: http.StatusCreated,
		Errors:        append(appointmentErrors, http.StatusConflict, http.StatusTooManyRequests),
	}, func(ctx context.Context, input *bookInput) (*appointmentOutput, error) {
		owner, err := ownerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		appt, err := svc.Book(ctx, appointments.BookInput{
			OwnerID:        owner,
			Date:           input.Body.Date,
			IdempotencyKey: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(log, "book", err)
		}
		log.Info("appointment booked",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("owner_id", appt.OwnerID),
			slog.String("month", appt.ScheduledMonth),
		)
		return &appointmentOutput{Body: toAppointmentDTO(appt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upcoming-appointment",
		Method:      http.MethodGet,
		Path:        "/appointments/upcoming",
		Summary:     "Next scheduled appointment and booking eligibility",
		Errors:      appointmentErrors,
	}, func(ctx context.Context, _ *struct{}) (*dashboardOutput, error) {
		owner, err := ownerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		view, err := svc.Dashboard(ctx, owner)
		if err != nil {
			return nil, handleError(log, "upcoming", err)
		}
		out := &dashboardOutput{}
		if view.Appointment != nil {
			dto := toAppointmentDTO(*view.Appointment)
			out.Body.Appointment = &dto
		}
		out.Body.CanBook = view.CanBook
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-book",
		Method:      http.MethodGet,
		Path:        "/appointments/can-book",
		Summary:     "Whether the caller may book this month",
		Errors:      appointmentErrors,
	}, func(ctx context.Context, _ *struct{}) (*canBookOutput, error) {
		owner, err := ownerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := svc.CanBookNow(ctx, owner)
		if err != nil {
			return nil, handleError(log, "can_book", err)
		}
		out := &canBookOutput{}
		out.Body.CanBook = ok
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "past-appointments",
		Method:      http.MethodGet,
		Path:        "/appointments/past",
		Summary:     "Appointment history, most recent first",
		Errors:      appointmentErrors,
	}, func(ctx context.Context, _ *struct{}) (*pastOutput, error) {
		owner, err := ownerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		past, err := svc.PastNow(ctx, owner)
		if err != nil {
			return nil, handleError(log, "past", err)
		}
		out := &pastOutput{Body: make([]appointmentDTO, 0, len(past))}
		for _, a := range past {
			out.Body = append(out.Body, toAppointmentDTO(a))
		}
		return out, nil
	})
}
