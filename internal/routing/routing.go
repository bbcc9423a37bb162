// Package routing observes V1 traffic relayed unchanged between a miner and a
// V1 pool, turning it into share reports.
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/floatdrop/lru"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/metrics"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// Submits awaiting a pool answer. Older entries are dropped first.
const maxPending = 256

// Options configure an Observer.
type Options struct {
	Tracker    *jobtracker.Tracker
	Metrics    *metrics.Collector
	TargetName string
	Peer       string
}

type pendingSubmit struct {
	jobID      string
	difficulty float64
	sent       time.Time
}

// Observer inspects both directions of one passthrough session. Lines are
// never modified; malformed lines are ignored.
type Observer struct {
	tracker    *jobtracker.Tracker
	mx         *metrics.Collector
	session    *metrics.SessionMetrics
	targetName string
	peer       string

	mu         sync.Mutex
	wallet     string
	worker     string
	pending    *lru.LRU[string, pendingSubmit]
	lastAccept time.Time
}

func NewObserver(opts Options) *Observer {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = jobtracker.New(0, 0)
	}
	mx := opts.Metrics
	if mx == nil {
		mx = metrics.NewCollector()
	}
	return &Observer{
		tracker:    tracker,
		mx:         mx,
		session:    metrics.NewSessionMetrics(),
		targetName: opts.TargetName,
		peer:       opts.Peer,
		pending:    lru.New[string, pendingSubmit](maxPending),
	}
}

func (o *Observer) Wallet() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wallet
}

func (o *Observer) Worker() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.worker
}

// Session returns this session's share counters.
func (o *Observer) Session() *metrics.SessionMetrics {
	return o.session
}

// ObserveClient inspects a line sent by the miner.
func (o *Observer) ObserveClient(line []byte) {
	msg, err := stratum.Parse(line)
	if err != nil {
		return
	}
	method, ok := msg.GetMethod()
	if !ok {
		return
	}
	switch method.Kind {
	case stratum.MethodLogin:
		o.observeLogin(msg)
	case stratum.MethodSubmit:
		o.observeSubmit(msg)
	}
}

func (o *Observer) observeLogin(msg stratum.Message) {
	var login, rigID string
	if s, ok := msg.StringParam(0); ok {
		login = s
	} else if obj, ok := msg.ParamObject(); ok {
		login, _ = obj["login"].(string)
		rigID, _ = obj["rigid"].(string)
	}
	if login == "" {
		return
	}
	wallet, worker := stratum.SplitIdentity(login)
	if worker == "" {
		worker = rigID
	}
	o.mu.Lock()
	o.wallet = wallet
	o.worker = worker
	o.mu.Unlock()
	logger.Debug("routing: login peer=%s wallet=%s worker=%s", o.peer, wallet, worker)
}

func (o *Observer) observeSubmit(msg stratum.Message) {
	// Without an id the pool's answer cannot be matched.
	if msg.IsNotification() {
		return
	}
	var jobID string
	if s, ok := msg.StringParam(0); ok {
		jobID = s
	} else if obj, ok := msg.ParamObject(); ok {
		jobID, _ = obj["job_id"].(string)
	}
	o.mu.Lock()
	o.pending.Set(idKey(msg.ID), pendingSubmit{
		jobID:      jobID,
		difficulty: o.tracker.GetDifficulty(jobID),
		sent:       time.Now(),
	})
	o.mu.Unlock()
}

// ObserveUpstream inspects a line sent by the pool. It returns the share to
// report when the line answers a submit.
func (o *Observer) ObserveUpstream(line []byte) *client.ShareSubmission {
	msg, err := stratum.Parse(line)
	if err != nil {
		return nil
	}
	if method, ok := msg.GetMethod(); ok {
		if method.Kind == stratum.MethodJob {
			if job, ok := stratum.ParseJob(msg.Params); ok {
				o.trackJob(job)
			}
		}
		return nil
	}
	if !msg.IsResponse() || msg.ID == nil {
		return nil
	}

	key := idKey(msg.ID)
	o.mu.Lock()
	sub := o.pending.Remove(key)
	o.mu.Unlock()

	if sub == nil {
		// Login results carry the first job.
		if res, ok := stratum.ParseLoginResult(msg.Result); ok && res.HasJob {
			o.trackJob(res.Job)
		}
		return nil
	}
	return o.shareResult(msg, *sub)
}

func (o *Observer) trackJob(job stratum.JobParams) {
	o.tracker.AddJob(job.JobID, job.Target, job.Height)
	o.mx.SetLastJob(time.Now())
}

func (o *Observer) shareResult(msg stratum.Message, sub pendingSubmit) *client.ShareSubmission {
	valid := msg.Accepted()
	o.mx.RecordShare(valid)
	o.session.Record(valid)

	o.mu.Lock()
	var sincePrev time.Duration
	now := time.Now()
	if valid {
		if !o.lastAccept.IsZero() {
			sincePrev = now.Sub(o.lastAccept)
		}
		o.lastAccept = now
	}
	share := &client.ShareSubmission{
		WalletAddress: o.wallet,
		WorkerName:    o.worker,
		TargetName:    o.targetName,
		Difficulty:    sub.difficulty,
		Valid:         valid,
	}
	o.mu.Unlock()

	status := "Rejected"
	if valid {
		status = "Accepted"
	}
	worker := share.WorkerName
	if worker == "" {
		worker = o.peer
	}
	logger.Info("share %s worker=%s job=%s diff=%.6g ok=%d bad=%d since_prev=%s latency=%s",
		status, worker, sub.jobID, sub.difficulty, o.session.GetOK(), o.session.GetBad(),
		fmtDuration(sincePrev), now.Sub(sub.sent).Round(time.Millisecond))
	return share
}

// idKey normalizes a JSON-RPC id so 7 and "7" match.
func idKey(id any) string {
	return fmt.Sprint(id)
}

// fmtDuration formats duration for logging with millisecond precision.
// Returns "-" for zero or negative durations.
func fmtDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Millisecond)
	return d.String()
}
