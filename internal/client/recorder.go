package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/remeh/sizedwaitgroup"

	"github.com/carlosrabelo/defproxy/pkg/logger"
)

const (
	sharesPath = "/api/v1/shares"

	DefaultReportConcurrency = 8
)

// ErrReportsSaturated is passed to OnResult for a share dropped because the
// concurrency limit was reached.
var ErrReportsSaturated = errors.New("client: share reports saturated")

// ShareSubmission is one share as reported to the accounting server.
type ShareSubmission struct {
	WalletAddress string  `json:"wallet_address"`
	WorkerName    string  `json:"worker_name"`
	TargetName    string  `json:"target_name"`
	Difficulty    float64 `json:"difficulty"`
	Valid         bool    `json:"valid"`
}

// RecorderOptions tunes a Recorder. Zero values pick defaults.
type RecorderOptions struct {
	HTTPClient  *http.Client
	Concurrency int
	Timeout     time.Duration
	// OnResult is called after every asynchronous report.
	OnResult func(err error)
}

// Recorder posts shares. Reports are best effort: failures are logged and
// the share is dropped.
type Recorder struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	onResult func(error)

	// slots is acquired without waiting; swg shares its limit so Add never
	// blocks once a slot is held.
	slots  chan struct{}
	swg    sizedwaitgroup.SizedWaitGroup
	closed atomic.Bool
}

func NewRecorder(endpoint string, opts RecorderOptions) *Recorder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultReportConcurrency
	}
	return &Recorder{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		onResult: opts.OnResult,
		slots:    make(chan struct{}, opts.Concurrency),
		swg:      sizedwaitgroup.New(opts.Concurrency),
	}
}

// Record posts s and waits for the answer. Any non-2xx status is an error.
func (r *Recorder) Record(ctx context.Context, s ShareSubmission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: encode share: %w", err)
	}
	logger.Debug("client: recording share wallet=%s worker=%s target=%s difficulty=%.2f valid=%t",
		s.WalletAddress, s.WorkerName, s.TargetName, s.Difficulty, s.Valid)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+sharesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: POST %s: %w", sharesPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("client: share rejected by server: %s", resp.Status)
	}
	return nil
}

// Submit reports s in the background and never blocks. When the concurrency
// limit is reached the share is dropped. Shares submitted after Close are
// dropped too.
func (r *Recorder) Submit(s ShareSubmission) {
	if r.closed.Load() {
		logger.Debug("client: recorder closed, dropping share for %s", s.WorkerName)
		return
	}
	select {
	case r.slots <- struct{}{}:
	default:
		logger.Warn("client: %d reports in flight, dropping share for %s", cap(r.slots), s.WorkerName)
		if r.onResult != nil {
			r.onResult(ErrReportsSaturated)
		}
		return
	}
	r.swg.Add()
	go func() {
		defer func() { <-r.slots }()
		defer r.swg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		err := r.Record(ctx, s)
		if err != nil {
			logger.Warn("client: failed to record share: %v", err)
		}
		if r.onResult != nil {
			r.onResult(err)
		}
	}()
}

// Close stops accepting shares and waits for in-flight reports.
func (r *Recorder) Close() {
	r.closed.Store(true)
	r.swg.Wait()
}
