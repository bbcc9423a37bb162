// Package translator converts between Stratum V1 JSON-RPC and the Stratum V2
// binary mining messages for one proxied connection.
package translator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/floatdrop/lru"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/internal/sv2"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

const (
	Agent = "defpool-proxy/0.1"

	// PlaceholderJobID is handed to V1 miners on login before real work exists.
	PlaceholderJobID = "initial"

	// SV2 protocol version spoken on both sides.
	ProtocolVersion = uint16(2)
)

// Result is what the proxy must do after a V1 message from a miner.
type Result struct {
	// Reply goes back to the miner.
	Reply *stratum.Message
	// Share is reported to the accounting server.
	Share *client.ShareSubmission
	// Upstream is forwarded to a V2 pool, when one is attached.
	Upstream []sv2.Message
}

// jobLink ties a V1 job id to its V2 counterpart.
type jobLink struct {
	V1      string
	V2      uint32
	Version uint32
	NTime   uint32
	Header  header
	// HasHeader is set when the V1 blob is a block header prefix.
	HasHeader bool
}

// Options configure a Translator.
type Options struct {
	Tracker       *jobtracker.Tracker
	TargetName    string
	DefaultWallet string
	// MaxJobs bounds the job id maps. Defaults to the tracker capacity.
	MaxJobs int
}

// Translator holds the per-connection session. Both forwarding directions
// call into it, so it is safe for concurrent use.
type Translator struct {
	mu sync.Mutex

	wallet        string
	worker        string
	targetName    string
	defaultWallet string
	tracker       *jobtracker.Tracker

	jobCounter uint64
	byV1       *lru.LRU[string, jobLink]
	byV2       *lru.LRU[uint32, jobLink]

	// V2 pool side
	channelID     uint32
	channelOpen   bool
	channelTarget [32]byte
	seq           uint32
	prevHash      [32]byte
	nbits         uint32
	ntime         uint32
	futureJobs    map[uint32]*sv2.NewMiningJob
	openRequested bool

	// V1 pool side
	nextRequestID uint64
	nextV2Job     uint32
	sessionID     string
	openRequestID uint32
	pending       *lru.LRU[uint64, pendingRequest]
	lastV1Target  string
}

type pendingKind uint8

const (
	pendingLogin pendingKind = iota + 1
	pendingSubmit
)

type pendingRequest struct {
	kind       pendingKind
	seq        uint32
	channelID  uint32
	difficulty float64
}

func New(opts Options) *Translator {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = jobtracker.New(0, 0)
	}
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = tracker.Capacity()
	}
	return &Translator{
		targetName:    opts.TargetName,
		defaultWallet: opts.DefaultWallet,
		tracker:       tracker,
		byV1:          lru.New[string, jobLink](maxJobs),
		byV2:          lru.New[uint32, jobLink](maxJobs),
		futureJobs:    make(map[uint32]*sv2.NewMiningJob),
		pending:       lru.New[uint64, pendingRequest](maxJobs),
	}
}

func (t *Translator) Wallet() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet
}

func (t *Translator) Worker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worker
}

func (t *Translator) Tracker() *jobtracker.Tracker {
	return t.tracker
}

// NextJobID returns a fresh local V1 job id.
func (t *Translator) NextJobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextJobIDLocked()
}

func (t *Translator) nextJobIDLocked() string {
	t.jobCounter++
	return fmt.Sprintf("job_%d", t.jobCounter)
}

// MapJob links a V1 job id to a V2 job id.
func (t *Translator) MapJob(v2JobID uint32, v1JobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkLocked(jobLink{V1: v1JobID, V2: v2JobID})
}

func (t *Translator) linkLocked(l jobLink) {
	t.byV1.Set(l.V1, l)
	t.byV2.Set(l.V2, l)
}

// V2JobID returns the V2 job behind a V1 job id.
func (t *Translator) V2JobID(v1JobID string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.byV1.Get(v1JobID); l != nil {
		return l.V2, true
	}
	return 0, false
}

// V1JobID returns the V1 job behind a V2 job id.
func (t *Translator) V1JobID(v2JobID uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.byV2.Get(v2JobID); l != nil {
		return l.V1, true
	}
	return "", false
}

// HandleV1 processes a message from a V1 miner.
func (t *Translator) HandleV1(msg stratum.Message) (Result, error) {
	if !msg.HasMethod() {
		if msg.IsResponse() {
			logger.Debug("translator: ignoring response from miner id=%v", msg.ID)
		} else {
			logger.Warn("translator: ignoring message without method id=%v", msg.ID)
		}
		return Result{}, nil
	}

	method, _ := msg.GetMethod()
	switch method.Kind {
	case stratum.MethodLogin:
		return t.handleLogin(msg)
	case stratum.MethodSubmit:
		return t.handleSubmit(msg), nil
	case stratum.MethodKeepAlive:
		reply := stratum.OkResponse(msg.ID, map[string]any{"status": "KEEPALIVED"})
		return Result{Reply: &reply}, nil
	case stratum.MethodGetJob:
		logger.Debug("translator: getjob has no local answer")
		return Result{}, nil
	default:
		logger.Warn("translator: unknown V1 method: %s", method.Name)
		reply := stratum.ErrorResponse(msg.ID, -1, "Unknown method: "+method.Name)
		return Result{Reply: &reply}, nil
	}
}

func (t *Translator) handleLogin(msg stratum.Message) (Result, error) {
	login, rigID, ok := loginParams(msg)
	if !ok {
		return Result{}, fmt.Errorf("translator: login without identity")
	}
	wallet, worker, _ := strings.Cut(login, ":")
	if worker == "" {
		worker = rigID
	}

	t.mu.Lock()
	t.wallet = wallet
	t.worker = worker
	var upstream []sv2.Message
	if !t.openRequested {
		t.openRequested = true
		upstream = append(upstream, &sv2.OpenStandardMiningChannel{
			RequestID:       1,
			UserIdentity:    joinIdentity(wallet, worker),
			NominalHashRate: 0,
			MaxTarget:       MaxTargetV2(),
		})
	}
	t.mu.Unlock()

	logger.Debug("translator: login wallet=%s worker=%s", wallet, worker)
	reply := stratum.OkResponse(msg.ID, map[string]any{
		"id": "proxy_connection",
		"job": map[string]any{
			"job_id": PlaceholderJobID,
			"blob":   "",
			"target": "00000000",
		},
		"status": "OK",
	})
	return Result{Reply: &reply, Upstream: upstream}, nil
}

func (t *Translator) handleSubmit(msg stratum.Message) Result {
	jobID, nonce, hash, ok := submitParams(msg)
	if !ok {
		reply := stratum.ErrorResponse(msg.ID, -1, "Invalid submit parameters")
		return Result{Reply: &reply}
	}
	logger.Debug("translator: submit job=%s nonce=%s result=%s", jobID, nonce, hash)

	t.mu.Lock()
	share := &client.ShareSubmission{
		WalletAddress: t.wallet,
		WorkerName:    t.worker,
		TargetName:    t.targetName,
		Difficulty:    t.tracker.GetDifficulty(jobID),
		Valid:         true,
	}
	var upstream []sv2.Message
	if t.channelOpen {
		if l := t.byV1.Get(jobID); l != nil {
			if n, err := NonceFromV1(nonce); err == nil {
				t.seq++
				upstream = append(upstream, &sv2.SubmitSharesStandard{
					ChannelID:      t.channelID,
					SequenceNumber: t.seq,
					JobID:          l.V2,
					Nonce:          n,
					NTime:          l.NTime,
					Version:        l.Version,
				})
			} else {
				logger.Warn("translator: not forwarding share: %v", err)
			}
		} else {
			logger.Warn("translator: not forwarding share for unknown job %s", jobID)
		}
	}
	t.mu.Unlock()

	reply := stratum.OkResponse(msg.ID, map[string]any{"status": "OK"})
	return Result{Reply: &reply, Share: share, Upstream: upstream}
}

// loginParams accepts ["wallet:worker", ...] and {"login": .., "rigid": ..}.
func loginParams(msg stratum.Message) (login, rigID string, ok bool) {
	if s, found := msg.StringParam(0); found && s != "" {
		return s, "", true
	}
	if obj, found := msg.ParamObject(); found {
		login, _ = obj["login"].(string)
		rigID, _ = obj["rigid"].(string)
		return login, rigID, login != ""
	}
	return "", "", false
}

// submitParams accepts [job_id, nonce, result] and the named form.
func submitParams(msg stratum.Message) (jobID, nonce, result string, ok bool) {
	if list, found := msg.ParamList(); found {
		if len(list) < 3 {
			return "", "", "", false
		}
		var ok0, ok1, ok2 bool
		jobID, ok0 = list[0].(string)
		nonce, ok1 = list[1].(string)
		result, ok2 = list[2].(string)
		return jobID, nonce, result, ok0 && ok1 && ok2
	}
	if obj, found := msg.ParamObject(); found {
		var ok0, ok1, ok2 bool
		jobID, ok0 = obj["job_id"].(string)
		nonce, ok1 = obj["nonce"].(string)
		result, ok2 = obj["result"].(string)
		return jobID, nonce, result, ok0 && ok1 && ok2
	}
	return "", "", "", false
}

func joinIdentity(wallet, worker string) string {
	if worker == "" {
		return wallet
	}
	return wallet + "." + worker
}
