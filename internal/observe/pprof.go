package observe

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"botherd/internal/config"
	logx "botherd/pkg/logx"
)

// PprofServer exposes net/http/pprof on its own listener, separate from the
// public API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires a token or an explicit allow_insecure.
type PprofServer struct {
	cfg config.PprofConfig
	log logx.Logger
}

func NewPprofServer(cfg config.PprofConfig, log logx.Logger) *PprofServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PprofServer{cfg: cfg, log: log.With(logx.String("component", "pprof"))}
}

// Run serves until ctx is cancelled. It refuses to start on an insecure bind.
func (p *PprofServer) Run(ctx context.Context) error {
	addr := strings.TrimSpace(p.cfg.Addr)
	if addr == "" {
		addr = config.DefaultPprofAddr
	}
	if !p.cfg.AllowInsecure && p.cfg.Token == "" && !isLoopbackAddr(addr) {
		p.log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("pprof refused to start: insecure bind")
	}
	if p.cfg.AllowInsecure && p.cfg.Token == "" && !isLoopbackAddr(addr) {
		p.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(p.cfg.Token, h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	p.log.Info("pprof started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", p.cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	return nil
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
		} else if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
