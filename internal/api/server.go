// Package api serves the operational endpoints that sit beside the
// conversation routes: /health, /version, /usage and the /events
// WebSocket stream.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/FateUnix29/Hollowfire-1/internal/buildinfo"
	"github.com/FateUnix29/Hollowfire-1/internal/connwatch"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
	"github.com/FateUnix29/Hollowfire-1/internal/server"
	"github.com/FateUnix29/Hollowfire-1/internal/usage"
)

// Error messages.
const (
	MsgUsageDisabled = "Usage tracking is disabled."
	MsgBadHours      = "Invalid hours parameter."
	MsgBadGroup      = "Invalid group parameter."
)

// HealthSource reports backend reachability. The connwatch manager
// satisfies it.
type HealthSource interface {
	Status() []connwatch.Status
}

// SessionSource exposes multiplexer state for /health.
type SessionSource interface {
	DefaultProvider() string
	IDs() []string
}

// UsageSource answers aggregated usage queries. The usage store
// satisfies it.
type UsageSource interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByProvider(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(start, end time.Time) (map[string]*usage.Summary, error)
}

// Options configures a [Server]. Every source is optional.
type Options struct {
	Health   HealthSource
	Sessions SessionSource
	Usage    UsageSource
	Bus      *events.Bus
	Logger   *slog.Logger

	now func() time.Time
}

// Server holds the handlers. It does not listen on its own; Register
// adds its routes to the shared router.
type Server struct {
	health   HealthSource
	sessions SessionSource
	usage    UsageSource
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	closeOnce sync.Once
	done      chan struct{} // closed by Close; ends every /events stream
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		health:   opts.Health,
		sessions: opts.Sessions,
		usage:    opts.Usage,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.now,
		done:     make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close ends every open /events stream. Hijacked connections are not
// closed by http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Register adds the operational routes to rt.
func (s *Server) Register(rt *server.Router) error {
	routes := []struct {
		path string
		h    server.HandlerFunc
	}{
		{"/health", s.handleHealth},
		{"/version", s.handleVersion},
		{"/usage", s.handleUsage},
		{"/events", s.handleEvents},
	}
	for _, r := range routes {
		if err := rt.Register(http.MethodGet, r.path, server.Exact, r.h); err != nil {
			return err
		}
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string             `json:"status"` // "healthy" or "degraded"
	Version         string             `json:"version"`
	Uptime          string             `json:"uptime"`
	DefaultProvider string             `json:"default_provider,omitempty"`
	Conversations   int                `json:"conversations"`
	Backends        []connwatch.Status `json:"backends"`
}

// handleHealth always answers 200 while the process is serving; a
// default backend that fails its probe only marks the status degraded.
func (s *Server) handleHealth(w http.ResponseWriter, _ *server.Request) error {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().String(),
		Backends: []connwatch.Status{},
	}
	if s.sessions != nil {
		resp.DefaultProvider = s.sessions.DefaultProvider()
		resp.Conversations = len(s.sessions.IDs())
	}
	if s.health != nil {
		resp.Backends = s.health.Status()
	}
	for _, b := range resp.Backends {
		if b.Name == resp.DefaultProvider && !b.Ready {
			resp.Status = "degraded"
		}
	}
	server.WriteJSON(w, http.StatusOK, resp, s.logger)
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *server.Request) error {
	server.WriteJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
	return nil
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	PeriodHours int                       `json:"period_hours"`
	Start       time.Time                 `json:"start"`
	End         time.Time                 `json:"end"`
	Summary     *usage.Summary            `json:"summary"`
	Group       string                    `json:"group,omitempty"`
	Groups      map[string]*usage.Summary `json:"groups,omitempty"`
}

// handleUsage answers GET /usage?hours=24&group=model. hours defaults
// to 24; group is one of model, provider or conversation.
func (s *Server) handleUsage(w http.ResponseWriter, r *server.Request) error {
	if s.usage == nil {
		server.WriteError(w, http.StatusServiceUnavailable, MsgUsageDisabled, s.logger)
		return nil
	}

	q := r.URL.Query()
	hours := 24
	if raw := q.Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			server.WriteError(w, http.StatusBadRequest, MsgBadHours, s.logger)
			return nil
		}
		hours = n
	}

	var grouped func(start, end time.Time) (map[string]*usage.Summary, error)
	group := q.Get("group")
	switch group {
	case "":
	case "model":
		grouped = s.usage.SummaryByModel
	case "provider":
		grouped = s.usage.SummaryByProvider
	case "conversation":
		grouped = s.usage.SummaryByConversation
	default:
		server.WriteError(w, http.StatusBadRequest, MsgBadGroup, s.logger)
		return nil
	}

	end := s.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	sum, err := s.usage.Summary(start, end)
	if err != nil {
		return err
	}
	resp := UsageResponse{PeriodHours: hours, Start: start, End: end, Summary: sum}
	if grouped != nil {
		groups, err := grouped(start, end)
		if err != nil {
			return err
		}
		resp.Group = group
		resp.Groups = groups
	}
	server.WriteJSON(w, http.StatusOK, resp, s.logger)
	return nil
}
