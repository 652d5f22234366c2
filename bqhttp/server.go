// Package bqhttp implements the admin/metrics HTTP surface (spec §4.7)
// over go-chi/chi, the router the pack's HTTP-facing services route with.
package bqhttp

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/balanced-queue/balanced-queue/bqmetrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/common/expfmt"
)

// Server exposes a Reader's snapshots over HTTP: Prometheus text exposition
// at /metrics and a JSON equivalent at /metrics/json, per spec §4.7.
type Server struct {
	reader  *bqmetrics.Reader
	logger  bq.Logger
	router  chi.Router
}

// New builds a Server. When ipWhitelistEnabled is false, allowedCIDRs is
// ignored and every remote is served, leaving that decision to the
// operator's network perimeter. When ipWhitelistEnabled is true, the gate
// is always installed, and an empty allowedCIDRs denies every remote
// (spec §4.7 "Security", scenario 7: whitelist mode with nothing
// whitelisted is not the same as whitelisting disabled).
func New(reader *bqmetrics.Reader, logger bq.Logger, ipWhitelistEnabled bool, allowedCIDRs []string) (*Server, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	allowList, err := parseCIDRs(allowedCIDRs)
	if err != nil {
		return nil, err
	}

	s := &Server{reader: reader, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if ipWhitelistEnabled {
		r.Use(allowListMiddleware(allowList, logger))
	}
	r.Get("/metrics", s.handleMetricsText)
	r.Get("/metrics/json", s.handleMetricsJSON)
	r.Get("/healthz", s.handleHealthz)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetricsText(w http.ResponseWriter, r *http.Request) {
	collector := bqmetrics.NewCollector(s.reader)
	reg := bqmetrics.NewRegistry(collector)
	w.Header().Set("Content-Type", string(expfmt.FmtText))
	if err := reg.WriteTo(w, expfmt.FmtText); err != nil {
		s.logger.Log(bq.LogLevelError, "metrics text encode failed", "error", err)
	}
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	queues, err := s.reader.Queues(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snapshots := make([]*bqmetrics.Snapshot, 0, len(queues))
	for _, q := range queues {
		snap, err := s.reader.Snapshot(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		snapshots = append(snapshots, snap)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.logger.Log(bq.LogLevelError, "metrics json encode failed", "error", err)
	}
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if strings.Contains(raw, ":") {
				raw += "/128"
			} else {
				raw += "/32"
			}
		}
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// allowListMiddleware rejects requests from remote addresses outside
// allowList with 403, per spec §4.7 and bq.ErrUnauthorized. CIDR matching
// is done with net.ParseIP/net.IPNet, the standard library's own notion of
// network membership — no third-party library in the pack offers anything
// beyond what net already does for this.
func allowListMiddleware(allowList []*net.IPNet, logger bq.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil || !allowed(ip, allowList) {
				logger.Log(bq.LogLevelWarn, "rejected request from non-allow-listed remote", "remote", r.RemoteAddr)
				http.Error(w, bq.ErrUnauthorized.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowed(ip net.IP, allowList []*net.IPNet) bool {
	for _, n := range allowList {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type nopLogger struct{}

func (nopLogger) Level() bq.LogLevel              { return bq.LogLevelNone }
func (nopLogger) Log(bq.LogLevel, string, ...any) {}
