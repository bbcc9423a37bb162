package translator

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/internal/sv2"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// The single channel offered to a V2 miner bridged onto a V1 pool.
const bridgedChannelID = uint32(1)

// DownstreamResult is what the proxy must do after a message from a V2 miner
// bridged to a V1 pool.
type DownstreamResult struct {
	// Reply goes back to the miner.
	Reply []sv2.Message
	// Upstream goes to the V1 pool.
	Upstream []stratum.Message
}

// UpstreamResult is what the proxy must do after a line from a V1 pool
// serving a V2 miner.
type UpstreamResult struct {
	Downstream []sv2.Message
	Share      *client.ShareSubmission
}

// IdentityFromUser splits a V2 user identity into wallet and worker, using
// the default wallet when the miner sent none.
func (t *Translator) IdentityFromUser(user string) (wallet, worker string) {
	wallet, worker = stratum.SplitIdentity(user)
	if wallet == "" {
		wallet = t.defaultWallet
	}
	return wallet, worker
}

// HandleDownstreamV2 processes a message from a V2 miner whose pool speaks V1.
func (t *Translator) HandleDownstreamV2(msg sv2.Message) (DownstreamResult, error) {
	switch m := msg.(type) {
	case *sv2.SetupConnection:
		if m.Protocol != sv2.ProtocolMining {
			return DownstreamResult{Reply: []sv2.Message{&sv2.SetupConnectionError{
				Flags:     m.Flags,
				ErrorCode: "unsupported-protocol",
			}}}, fmt.Errorf("translator: miner requested protocol %d", m.Protocol)
		}
		if m.MinVersion > ProtocolVersion || m.MaxVersion < ProtocolVersion {
			return DownstreamResult{Reply: []sv2.Message{&sv2.SetupConnectionError{
				Flags:     m.Flags,
				ErrorCode: "protocol-version-mismatch",
			}}}, fmt.Errorf("translator: miner versions %d-%d unsupported", m.MinVersion, m.MaxVersion)
		}
		return DownstreamResult{Reply: []sv2.Message{&sv2.SetupConnectionSuccess{
			UsedVersion: ProtocolVersion,
			Flags:       0,
		}}}, nil

	case *sv2.OpenStandardMiningChannel:
		return t.openChannel(m), nil

	case *sv2.SubmitSharesStandard:
		return t.ShareToV1(m), nil

	default:
		logger.Info("translator: unhandled message from miner: %s", sv2.Name(msg.MsgType()))
		return DownstreamResult{}, nil
	}
}

func (t *Translator) openChannel(m *sv2.OpenStandardMiningChannel) DownstreamResult {
	wallet, worker := t.IdentityFromUser(m.UserIdentity)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openRequested {
		return DownstreamResult{Reply: []sv2.Message{&sv2.OpenMiningChannelError{
			RequestID: m.RequestID,
			ErrorCode: "max-channels-reached",
		}}}
	}
	if wallet == "" {
		return DownstreamResult{Reply: []sv2.Message{&sv2.OpenMiningChannelError{
			RequestID: m.RequestID,
			ErrorCode: "unknown-user",
		}}}
	}
	t.openRequested = true
	t.wallet = wallet
	t.worker = worker
	t.openRequestID = m.RequestID

	id := t.nextRequestIDLocked()
	t.pending.Set(id, pendingRequest{kind: pendingLogin})
	login := stratum.LoginRequest(id, joinIdentity(wallet, worker), "x", Agent)
	logger.Debug("translator: logging in upstream wallet=%s worker=%s", wallet, worker)
	return DownstreamResult{Upstream: []stratum.Message{login}}
}

func (t *Translator) nextRequestIDLocked() uint64 {
	t.nextRequestID++
	return t.nextRequestID
}

// ShareToV1 converts a V2 share into a V1 submit for the pool.
func (t *Translator) ShareToV1(m *sv2.SubmitSharesStandard) DownstreamResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.byV2.Get(m.JobID)
	if l == nil || !t.channelOpen || m.ChannelID != t.channelID {
		return DownstreamResult{Reply: []sv2.Message{&sv2.SubmitSharesError{
			ChannelID:      m.ChannelID,
			SequenceNumber: m.SequenceNumber,
			ErrorCode:      "invalid-job-id",
		}}}
	}

	result := ""
	if l.HasHeader {
		h := l.Header
		h.Version = m.Version
		h.NTime = m.NTime
		pow := h.powHash(m.Nonce)
		result = hex.EncodeToString(pow[:])
	}
	id := t.nextRequestIDLocked()
	t.pending.Set(id, pendingRequest{
		kind:       pendingSubmit,
		seq:        m.SequenceNumber,
		channelID:  m.ChannelID,
		difficulty: t.tracker.GetDifficulty(l.V1),
	})
	submit := stratum.SubmitRequest(id, t.sessionID, l.V1, NonceToV1(m.Nonce), result)
	return DownstreamResult{Upstream: []stratum.Message{submit}}
}

// HandleUpstreamV1 processes a line from a V1 pool serving a V2 miner.
func (t *Translator) HandleUpstreamV1(msg stratum.Message) UpstreamResult {
	if method, ok := msg.GetMethod(); ok {
		if method.Kind == stratum.MethodJob {
			job, ok := stratum.ParseJob(msg.Params)
			if !ok {
				logger.Warn("translator: malformed job notification from pool")
				return UpstreamResult{}
			}
			return UpstreamResult{Downstream: t.JobToSV2(job)}
		}
		logger.Info("translator: unhandled method from pool: %s", method.Name)
		return UpstreamResult{}
	}

	id, ok := msg.IDUint64()
	if !ok {
		logger.Warn("translator: pool response without numeric id")
		return UpstreamResult{}
	}
	t.mu.Lock()
	req := t.pending.Remove(id)
	var p pendingRequest
	if req != nil {
		p = *req
	}
	t.mu.Unlock()

	switch p.kind {
	case pendingLogin:
		return t.loginResult(msg)
	case pendingSubmit:
		return t.SubmitResultToSV2(msg, p)
	default:
		logger.Debug("translator: response to unknown request %d", id)
		return UpstreamResult{}
	}
}

func (t *Translator) loginResult(msg stratum.Message) UpstreamResult {
	t.mu.Lock()
	reqID := t.openRequestID
	t.mu.Unlock()

	if msg.Error != nil {
		logger.Warn("translator: pool login failed: %s", msg.Error.Message)
		return UpstreamResult{Downstream: []sv2.Message{&sv2.OpenMiningChannelError{
			RequestID: reqID,
			ErrorCode: truncate(msg.Error.Message, 255),
		}}}
	}
	res, ok := stratum.ParseLoginResult(msg.Result)
	if !ok || (res.Status != "" && !strings.EqualFold(res.Status, "OK")) {
		return UpstreamResult{Downstream: []sv2.Message{&sv2.OpenMiningChannelError{
			RequestID: reqID,
			ErrorCode: "login-rejected",
		}}}
	}

	t.mu.Lock()
	t.sessionID = res.SessionID
	t.channelID = bridgedChannelID
	t.channelOpen = true
	target := MaxTargetV2()
	if res.HasJob {
		if wide, err := TargetToV2(res.Job.Target); err == nil {
			target = wide
			t.lastV1Target = res.Job.Target
		}
	}
	t.channelTarget = target
	t.mu.Unlock()

	out := []sv2.Message{&sv2.OpenStandardMiningChannelSuccess{
		RequestID:      reqID,
		ChannelID:      bridgedChannelID,
		Target:         target,
		GroupChannelID: 0,
	}}
	if res.HasJob {
		out = append(out, t.JobToSV2(res.Job)...)
	}
	return UpstreamResult{Downstream: out}
}

// JobToSV2 converts a V1 job into SetTarget (when the target changed),
// NewMiningJob and the SetNewPrevHash that activates it. V1 jobs always
// replace earlier work.
func (t *Translator) JobToSV2(job stratum.JobParams) []sv2.Message {
	blob, err := hex.DecodeString(job.Blob)
	if err != nil {
		logger.Warn("translator: job %s has invalid blob: %v", job.JobID, err)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.channelOpen {
		logger.Debug("translator: dropping job %s before channel is open", job.JobID)
		return nil
	}
	var out []sv2.Message
	if job.Target != "" && job.Target != t.lastV1Target {
		if wide, err := TargetToV2(job.Target); err == nil {
			t.channelTarget = wide
			t.lastV1Target = job.Target
			out = append(out, &sv2.SetTarget{ChannelID: t.channelID, MaximumTarget: wide})
		} else {
			logger.Warn("translator: job %s: %v", job.JobID, err)
		}
	}

	h, hasHeader := parseHeader(blob)
	if !hasHeader {
		h = header{
			MerkleRoot: sha256.Sum256(blob),
			NTime:      uint32(time.Now().Unix()),
			NBits:      nbitsFromTarget(t.channelTarget),
		}
	}
	t.nextV2Job++
	v2ID := t.nextV2Job
	t.linkLocked(jobLink{V1: job.JobID, V2: v2ID, Version: h.Version, NTime: h.NTime, Header: h, HasHeader: hasHeader})
	t.tracker.AddJob(job.JobID, job.Target, job.Height)

	out = append(out,
		&sv2.NewMiningJob{
			ChannelID:  t.channelID,
			JobID:      v2ID,
			Version:    h.Version,
			MerkleRoot: h.MerkleRoot,
		},
		&sv2.SetNewPrevHash{
			ChannelID: t.channelID,
			JobID:     v2ID,
			PrevHash:  h.PrevHash,
			MinNTime:  h.NTime,
			NBits:     h.NBits,
		},
	)
	return out
}

// SubmitResultToSV2 converts the pool's answer to a forwarded share.
func (t *Translator) SubmitResultToSV2(msg stratum.Message, p pendingRequest) UpstreamResult {
	accepted := msg.Accepted()
	t.mu.Lock()
	share := &client.ShareSubmission{
		WalletAddress: t.wallet,
		WorkerName:    t.worker,
		TargetName:    t.targetName,
		Difficulty:    p.difficulty,
		Valid:         accepted,
	}
	t.mu.Unlock()

	if accepted {
		return UpstreamResult{
			Downstream: []sv2.Message{&sv2.SubmitSharesSuccess{
				ChannelID:               p.channelID,
				LastSequenceNumber:      p.seq,
				NewSubmitsAcceptedCount: 1,
				NewSharesSum:            uint64(p.difficulty),
			}},
			Share: share,
		}
	}
	code := "invalid-share"
	if msg.Error != nil && msg.Error.Message != "" {
		code = truncate(msg.Error.Message, 255)
	}
	return UpstreamResult{
		Downstream: []sv2.Message{&sv2.SubmitSharesError{
			ChannelID:      p.channelID,
			SequenceNumber: p.seq,
			ErrorCode:      code,
		}},
		Share: share,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
