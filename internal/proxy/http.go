package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/defproxy/internal/metrics"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// Status is the body of GET /status.
type Status struct {
	Uptime    string           `json:"uptime"`
	Authority string           `json:"authority_pubkey"`
	Metrics   metrics.Snapshot `json:"metrics"`
	Sessions  []SessionView    `json:"sessions"`
}

// Router builds the status API. gatherer may be nil to omit /metrics.
func (p *Proxy) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id:[0-9]+}", p.handleSession).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (p *Proxy) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Uptime:    time.Since(p.started).Round(time.Second).String(),
		Authority: p.AuthorityPublicKey(),
		Metrics:   p.mx.Snapshot(),
		Sessions:  p.Sessions(),
	})
}

func (p *Proxy) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, s := range p.Sessions() {
		if strconv.FormatUint(s.ID, 10) == id {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HttpServe serves the status API on addr until ctx is done.
func (p *Proxy) HttpServe(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           p.Router(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	})
	defer stop()
	logger.Info("http: listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ReportLoop logs share throughput every interval.
func (p *Proxy) ReportLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	last := start
	lastOK := p.mx.GetSharesOK()
	lastBad := p.mx.GetSharesBad()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			totalOK := p.mx.GetSharesOK()
			totalBad := p.mx.GetSharesBad()
			r := report{
				interval: now.Sub(last),
				total:    now.Sub(start),
				deltaOK:  totalOK - lastOK,
				deltaBad: totalBad - lastBad,
				totalOK:  totalOK,
				totalBad: totalBad,
			}
			logger.Info("%s | sessions %d", r, p.mx.GetSessionsActive())
			last, lastOK, lastBad = now, totalOK, totalBad
		}
	}
}

type report struct {
	interval, total   time.Duration
	deltaOK, deltaBad uint64
	totalOK, totalBad uint64
}

func (r report) String() string {
	submittedInterval := r.deltaOK + r.deltaBad
	submittedTotal := r.totalOK + r.totalBad
	var rateInterval, rateTotal, accInterval, accTotal float64
	if m := r.interval.Minutes(); m > 0 {
		rateInterval = float64(submittedInterval) / m
	}
	if m := r.total.Minutes(); m > 0 {
		rateTotal = float64(submittedTotal) / m
	}
	if submittedInterval > 0 {
		accInterval = float64(r.deltaOK) / float64(submittedInterval) * 100
	}
	if submittedTotal > 0 {
		accTotal = float64(r.totalOK) / float64(submittedTotal) * 100
	}
	return fmt.Sprintf("report interval=%s total=%s | accepted %d/%d (acc %.1f%% / %.1f%%) | rejects %d/%d | rate %.2f/min (overall %.2f/min)",
		r.interval.Round(time.Second), r.total.Round(time.Second), r.deltaOK, r.totalOK,
		accInterval, accTotal, r.deltaBad, r.totalBad, rateInterval, rateTotal)
}
