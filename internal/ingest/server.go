// Package ingest is the HTTP surface: the booking webhook, the health probe
// and the bearer-protected admin API.
package ingest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"leadsync/internal/booking"
	rtsup "leadsync/internal/runtime/supervisor"
	"leadsync/internal/storage"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

type Config struct {
	Addr            string
	WebhookSecret   string
	VerifySignature bool
	AdminToken      string // empty disables /admin and pprof
	ReplayWindow    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Pprof           bool

	Version  string
	Location *time.Location // zone for admin timestamps without an offset
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8000"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 10 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

// Bookings is the booking flow as seen from HTTP.
type Bookings interface {
	Handle(ctx context.Context, b booking.Booking) (booking.Result, error)
	SendLeadMessage(ctx context.Context, req booking.LeadMessageRequest) (booking.LeadMessageResult, error)
}

// Jobs is the admin view of the scheduler.
type Jobs interface {
	Snapshot() scheduler.Snapshot
	Cancel(ctx context.Context, key string) error
	Trigger(ctx context.Context, key string) error
}

type Deps struct {
	Bookings Bookings
	Jobs     Jobs
	Replays  storage.DedupStore // nil disables replay detection
	// AdminCount reports configured admin phones for the health probe.
	AdminCount func() int
	// SweepKey is the job the admin sweep endpoint triggers.
	SweepKey string
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	eng  *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	ln       net.Listener
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.AdminCount == nil {
		deps.AdminCount = func() int { return 0 }
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log}
	s.eng = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.eng }

// Start binds the listener and serves in the background. A bind failure is
// returned so the process can exit at startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.eng,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.srv, s.ln, s.sup = srv, ln, sup

	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("admin", s.cfg.AdminToken != ""),
		logx.Bool("verify_signature", s.cfg.VerifySignature),
		logx.Bool("pprof", s.cfg.Pprof && s.cfg.AdminToken != ""),
	)
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx is done, then closes the rest.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown incomplete; closing", logx.Err(err))
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.srv, s.ln, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("http stopped")
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(s.log), recovery(s.log))

	r.GET("/", s.health)
	r.POST("/webhook/cal", s.calWebhook)

	if tok := strings.TrimSpace(s.cfg.AdminToken); tok != "" {
		admin := r.Group("/admin", bearerAuth(tok))
		admin.GET("/jobs", s.listJobs)
		admin.DELETE("/jobs/:key", s.cancelJob)
		admin.POST("/jobs/:key/run", s.runJob)
		admin.POST("/sweep", s.runSweep)
		admin.POST("/lead-message", s.leadMessage)

		if s.cfg.Pprof {
			mountPprof(r.Group("/debug/pprof", bearerAuth(tok)))
		}
	}
	return r
}

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":                  "healthy",
		"version":                 s.cfg.Version,
		"timezone":                s.cfg.Location.String(),
		"admin_phones_configured": s.deps.AdminCount(),
	}
	if s.deps.Jobs != nil {
		body["pending_jobs"] = s.deps.Jobs.Snapshot().Pending
	}
	c.JSON(http.StatusOK, body)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
