package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/service/appointments"
)

// AppointmentService is the slice of the booking service the API needs.
type AppointmentService interface {
	Book(ctx context.Context, in appointments.BookInput) (domain.Appointment, error)
	Dashboard(ctx context.Context, ownerID string) (appointments.DashboardView, error)
	CanBookNow(ctx context.Context, ownerID string) (bool, error)
	PastNow(ctx context.Context, ownerID string) ([]domain.Appointment, error)
}

type Config struct {
	Service        AppointmentService
	Auth           *Authenticator
	BasePath       string
	RequestTimeout time.Duration
	Limiter        Limiter
	// LimiterFailOpen lets writes through when the limiter backend errors.
	LimiterFailOpen bool
	Logger          *slog.Logger
}

// New returns the HTTP handler exposing the booking API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("httpapi: authenticator is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	basePath := normalizeBasePath(cfg.BasePath)

	huma.DefaultArrayNullable = false
	installErrorEnvelope()

	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(accessLog(log))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, public))
	router.Use(rateLimitWrites(cfg.Limiter, log, cfg.LimiterFailOpen))

	hcfg := huma.DefaultConfig("Vaxbook API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAppointments(group, cfg.Service, log)
	registerOpenAPI(router, api, basePath)

	return otelhttp.NewHandler(router, "vaxbook.http"), nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "/api"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}
