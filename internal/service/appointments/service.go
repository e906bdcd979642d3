package appointments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Layouts accepted for a requested appointment time. Values without an
// offset are read in the service's booking location.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

type Service struct {
	repo store.AppointmentRepository
	loc  *time.Location
	now  func() time.Time
}

type Option func(*Service)

// WithLocation sets the zone used for dates without an offset and for
// "this month" on the dashboard.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo store.AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		loc:  time.UTC,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BookInput struct {
	OwnerID        string
	Date           string
	IdempotencyKey string
}

type DashboardView struct {
	Appointment *domain.Appointment
	CanBook     bool
}

// ParseDate interprets a requested appointment time.
func (s *Service) ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, validationError("date is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, validationError("date must be an ISO 8601 date-time")
}

func (s *Service) CanBook(ctx context.Context, ownerID string, reference time.Time) (bool, error) {
	if ownerID == "" {
		return false, validationError("owner_id is required")
	}
	active, err := s.repo.FindActiveInMonth(ctx, ownerID, domain.MonthKey(reference))
	if err != nil {
		return false, err
	}
	return active == nil, nil
}

func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	if in.OwnerID == "" {
		return domain.Appointment{}, validationError("owner_id is required")
	}
	requested, err := s.ParseDate(in.Date)
	if err != nil {
		return domain.Appointment{}, err
	}

	appt := domain.Appointment{
		OwnerID:        in.OwnerID,
		ScheduledAt:    requested.UTC().Truncate(time.Microsecond),
		ScheduledMonth: domain.MonthKey(requested),
		Status:         domain.StatusScheduled,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("vaxbook:book_appointment:"+in.OwnerID+":"+key))
	}

	return s.repo.Book(ctx, appt)
}

func (s *Service) Upcoming(ctx context.Context, ownerID string, now time.Time) (*domain.Appointment, error) {
	if ownerID == "" {
		return nil, validationError("owner_id is required")
	}
	return s.repo.FindUpcoming(ctx, ownerID, now.UTC())
}

func (s *Service) Past(ctx context.Context, ownerID string, now time.Time) ([]domain.Appointment, error) {
	if ownerID == "" {
		return nil, validationError("owner_id is required")
	}
	return s.repo.ListPast(ctx, ownerID, now.UTC())
}

// Dashboard returns the next scheduled appointment and whether the owner
// may book in the current month.
func (s *Service) Dashboard(ctx context.Context, ownerID string) (DashboardView, error) {
	now := s.now().In(s.loc)

	appt, err := s.Upcoming(ctx, ownerID, now)
	if err != nil {
		return DashboardView{}, err
	}
	canBook, err := s.CanBook(ctx, ownerID, now)
	if err != nil {
		return DashboardView{}, err
	}
	return DashboardView{Appointment: appt, CanBook: canBook}, nil
}

// CanBookNow evaluates eligibility for the current month.
func (s *Service) CanBookNow(ctx context.Context, ownerID string) (bool, error) {
	return s.CanBook(ctx, ownerID, s.now().In(s.loc))
}

func (s *Service) PastNow(ctx context.Context, ownerID string) ([]domain.Appointment, error) {
	return s.Past(ctx, ownerID, s.now())
}

func (s *Service) Complete(ctx context.Context, appointmentID uuid.UUID, notes string) (domain.Appointment, error) {
	return s.transition(ctx, appointmentID, domain.StatusCompleted, notes)
}

func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, notes string) (domain.Appointment, error) {
	return s.transition(ctx, appointmentID, domain.StatusCancelled, notes)
}

func (s *Service) transition(ctx context.Context, appointmentID uuid.UUID, next domain.Status, notes string) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	return s.repo.Transition(ctx, appointmentID, next, strings.TrimSpace(notes))
}
