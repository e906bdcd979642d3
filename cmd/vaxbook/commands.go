package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/service/appointments"
	"vaxbook/backend/internal/store/sqlstore"
	"vaxbook/backend/internal/transport/httpapi"
)

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer sqlstore.Close(db)
			if err := sqlstore.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func tokenCmd(c *cli) *cobra.Command {
	var owner string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(c.cfg.JWTSecret) == "" {
				return errors.New("auth.jwt_secret is required")
			}
			tok, err := httpapi.NewAuthenticator(c.cfg.JWTSecret).Issue(owner, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id placed in the userId and sub claims")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func appointmentsCmd(c *cli) *cobra.Command {
	appts := &cobra.Command{Use: "appointments", Aliases: []string{"appt"}, Short: "Inspect and administer appointments"}
	appts.AddCommand(appointmentsBookCmd(c))
	appts.AddCommand(appointmentsCanBookCmd(c))
	appts.AddCommand(appointmentsPastCmd(c))
	appts.AddCommand(appointmentsTransitionCmd(c, "complete", "Mark a scheduled appointment as completed", domain.StatusCompleted))
	appts.AddCommand(appointmentsTransitionCmd(c, "cancel", "Cancel a scheduled appointment", domain.StatusCancelled))
	return appts
}

func appointmentsBookCmd(c *cli) *cobra.Command {
	var in appointments.BookInput
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an appointment on behalf of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(ctx context.Context, svc *appointments.Service) error {
				appt, err := svc.Book(ctx, in)
				if err != nil {
					return err
				}
				return c.printAppointments(cmd, []domain.Appointment{appt})
			})
		},
	}
	cmd.Flags().StringVar(&in.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&in.Date, "date", "", "appointment date-time, e.g. 2025-06-10T09:00")
	cmd.Flags().StringVar(&in.IdempotencyKey, "idempotency-key", "", "replay-safe request key")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func appointmentsCanBookCmd(c *cli) *cobra.Command {
	var owner, date string
	cmd := &cobra.Command{
		Use:   "can-book",
		Short: "Report whether an owner may book in the month of --date (default: now)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(ctx context.Context, svc *appointments.Service) error {
				var (
					ok  bool
					err error
				)
				if date == "" {
					ok, err = svc.CanBookNow(ctx, owner)
				} else {
					ref, perr := svc.ParseDate(date)
					if perr != nil {
						return perr
					}
					ok, err = svc.CanBook(ctx, owner, ref)
				}
				if err != nil {
					return err
				}
				if c.jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]bool{"canBook": ok})
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&date, "date", "", "reference date")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func appointmentsPastCmd(c *cli) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "past",
		Short: "List an owner's appointment history, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(ctx context.Context, svc *appointments.Service) error {
				past, err := svc.PastNow(ctx, owner)
				if err != nil {
					return err
				}
				return c.printAppointments(cmd, past)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func appointmentsTransitionCmd(c *cli, use, short string, next domain.Status) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <appointment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid appointment id %q: %w", args[0], err)
			}
			return c.withService(cmd.Context(), func(ctx context.Context, svc *appointments.Service) error {
				var appt domain.Appointment
				if next == domain.StatusCompleted {
					appt, err = svc.Complete(ctx, id, notes)
				} else {
					appt, err = svc.Cancel(ctx, id, notes)
				}
				if err != nil {
					return err
				}
				c.log.Info("appointment transitioned",
					slog.String("appointment_id", appt.ID.String()),
					slog.String("status", string(appt.Status)),
				)
				return c.printAppointments(cmd, []domain.Appointment{appt})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes recorded with the change")
	return cmd
}

func (c *cli) withService(ctx context.Context, fn func(context.Context, *appointments.Service) error) error {
	loc, err := c.cfg.Location()
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer sqlstore.Close(db)
	if c.cfg.DBAutoMigrate {
		if err := sqlstore.Migrate(ctx, db); err != nil {
			return err
		}
	}
	return fn(ctx, appointments.NewService(sqlstore.NewAppointmentRepo(db), appointments.WithLocation(loc)))
}

type appointmentRow struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Month       string    `json:"month"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
}

func (c *cli) printAppointments(cmd *cobra.Command, appts []domain.Appointment) error {
	rows := make([]appointmentRow, 0, len(appts))
	for _, a := range appts {
		rows = append(rows, appointmentRow{
			ID:          a.ID.String(),
			OwnerID:     a.OwnerID,
			ScheduledAt: a.ScheduledAt.UTC(),
			Month:       a.ScheduledMonth,
			Status:      string(a.Status),
			Notes:       a.Notes,
		})
	}
	if c.jsonOutput {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Owner", "Scheduled At", "Month", "Status", "Notes"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.OwnerID, r.ScheduledAt.Format(time.RFC3339), r.Month, r.Status, r.Notes})
	}
	tw.Render()
	return nil
}
