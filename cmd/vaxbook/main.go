package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vaxbook/backend/internal/config"
)

const serviceName = "vaxbook"

// cli carries state shared by every subcommand once the root has loaded
// the configuration.
type cli struct {
	configPath string
	jsonOutput bool

	cfg config.Config
	log *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "vaxbook",
		Short:         "Vaccination appointment booking service",
		Long:          "vaxbook books vaccination appointments, at most one active appointment per person per calendar month.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			slog.SetDefault(c.log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "output JSON")

	root.AddCommand(serveCmd(c))
	root.AddCommand(migrateCmd(c))
	root.AddCommand(tokenCmd(c))
	root.AddCommand(appointmentsCmd(c))
	return root
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)})).With(
		slog.String("service", serviceName),
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	if u.Scheme == "sqlite" {
		return []any{
			slog.String("db_driver", "sqlite"),
			slog.String("db_path", u.Host+u.Path),
		}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_driver", "postgres"),
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
