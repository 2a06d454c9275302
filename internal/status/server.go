package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"netspeed/internal/config"
	"netspeed/pkg/logx"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:6060"

const pprofPrefix = "/debug/pprof/"

// Config controls the status HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FromConfig converts the status section of cfg. A nil section is disabled.
func FromConfig(cfg *config.Config) Config {
	if cfg == nil || cfg.Status == nil {
		return Config{}
	}
	st := cfg.Status
	return Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// SnapshotFunc returns the JSON-encodable state served on /status.
type SnapshotFunc func() any

// Server serves /healthz, /status and optionally pprof.
type Server struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	snap    SnapshotFunc
	started time.Time
	restart chan struct{}
}

func New(cfg Config, snap SnapshotFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		snap:    snap,
		started: time.Now(),
		restart: make(chan struct{}, 1),
	}
}

// Reconfigure applies cfg. A running listener is restarted when the change
// affects it. Safe to call during hot-reload.
func (s *Server) Reconfigure(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if !needsRestart(prev, cfg) {
		return
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

func needsRestart(a, b Config) bool {
	if a.Enabled != b.Enabled || a.Addr != b.Addr || a.Token != b.Token {
		return true
	}
	if a.AllowInsecure != b.AllowInsecure || a.Pprof != b.Pprof {
		return true
	}
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

// Serve runs until ctx is done, following Reconfigure calls. It returns an
// error only when the listener fails, so it fits a restart loop.
func (s *Server) Serve(ctx context.Context) error {
	for {
		s.mu.Lock()
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-s.restart:
				continue
			}
		}
		restarted, err := s.serveOnce(ctx, cur)
		if err != nil {
			return err
		}
		if !restarted {
			return nil
		}
	}
}

func (s *Server) serveOnce(ctx context.Context, cur Config) (bool, error) {
	addr := cur.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	// Safety: prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !config.IsLoopbackAddr(addr) {
		s.log.Error("status server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return false, errors.New("status server refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !config.IsLoopbackAddr(addr) {
		s.log.Warn("status server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("status listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	restarted := make(chan bool, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		r := false
		select {
		case <-ctx.Done():
		case <-s.restart:
			r = true
		case <-stop:
			return
		}
		restarted <- r
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)

	select {
	case r := <-restarted:
		if r {
			s.log.Info("status server restarting")
		}
		return r, nil
	default:
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return false, errors.New("status server exited unexpectedly")
	}
	return false, err
}

// Handler returns the routes for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(s.handleStatus))

	if cfg.Pprof {
		base := strings.TrimSuffix(pprofPrefix, "/")
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

type statusBody struct {
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	State     any       `json:"state,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := statusBody{
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.snap != nil {
		body.State = s.snap()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
