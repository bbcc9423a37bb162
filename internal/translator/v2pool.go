package translator

import (
	"encoding/hex"
	"fmt"

	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/internal/sv2"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// SetupConnection is the first message sent to a V2 pool on behalf of a V1
// miner.
func SetupConnection(host string, port uint16) *sv2.SetupConnection {
	return &sv2.SetupConnection{
		Protocol:     sv2.ProtocolMining,
		MinVersion:   ProtocolVersion,
		MaxVersion:   ProtocolVersion,
		Flags:        sv2.FlagRequiresStandardJobs,
		EndpointHost: host,
		EndpointPort: port,
		Vendor:       "defpool",
		Firmware:     Agent,
	}
}

// HandleUpstreamV2 processes a message from a V2 pool serving a V1 miner and
// returns the notifications to send to the miner. An error means the pool
// refused the connection or the channel and no work will follow.
func (t *Translator) HandleUpstreamV2(msg sv2.Message) ([]stratum.Message, error) {
	switch m := msg.(type) {
	case *sv2.SetupConnectionSuccess:
		logger.Debug("translator: pool accepted setup version=%d flags=%d", m.UsedVersion, m.Flags)
	case *sv2.SetupConnectionError:
		return nil, fmt.Errorf("translator: pool rejected setup: %s", m.ErrorCode)
	case *sv2.OpenStandardMiningChannelSuccess:
		t.OpenChannelSuccess(m)
	case *sv2.OpenMiningChannelError:
		return nil, fmt.Errorf("translator: pool refused channel: %s", m.ErrorCode)
	case *sv2.SetTarget:
		t.ApplySetTarget(m)
	case *sv2.NewMiningJob:
		if job, ok := t.JobFromSV2(m); ok {
			return []stratum.Message{job}, nil
		}
	case *sv2.SetNewPrevHash:
		if job, ok := t.ApplyPrevHash(m); ok {
			return []stratum.Message{job}, nil
		}
	case *sv2.SubmitSharesSuccess:
		logger.Debug("translator: pool accepted %d shares up to seq %d", m.NewSubmitsAcceptedCount, m.LastSequenceNumber)
	case *sv2.SubmitSharesError:
		logger.Warn("translator: pool rejected share seq=%d: %s", m.SequenceNumber, m.ErrorCode)
	default:
		logger.Info("translator: unhandled message from pool: %s", sv2.Name(msg.MsgType()))
	}
	return nil, nil
}

// OpenChannelSuccess records the channel the pool assigned.
func (t *Translator) OpenChannelSuccess(m *sv2.OpenStandardMiningChannelSuccess) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelID = m.ChannelID
	t.channelTarget = m.Target
	t.channelOpen = true
	logger.Debug("translator: channel %d open target=%s", m.ChannelID, TargetFromV2(m.Target))
}

// ApplySetTarget updates the channel target used for subsequent jobs.
func (t *Translator) ApplySetTarget(m *sv2.SetTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channelOpen && m.ChannelID != t.channelID {
		logger.Warn("translator: SetTarget for foreign channel %d", m.ChannelID)
		return
	}
	t.channelTarget = m.MaximumTarget
}

// JobFromSV2 turns an active NewMiningJob into a V1 job notification. Future
// jobs are held until SetNewPrevHash activates them.
func (t *Translator) JobFromSV2(m *sv2.NewMiningJob) (stratum.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !m.HasMinNTime {
		job := *m
		t.futureJobs[m.JobID] = &job
		return stratum.Message{}, false
	}
	return t.announceLocked(m, m.MinNTime), true
}

// ApplyPrevHash records the new chain tip and activates the referenced
// future job.
func (t *Translator) ApplyPrevHash(m *sv2.SetNewPrevHash) (stratum.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prevHash = m.PrevHash
	t.nbits = m.NBits
	t.ntime = m.MinNTime
	job, ok := t.futureJobs[m.JobID]
	// Earlier future jobs build on the previous tip.
	clear(t.futureJobs)
	if !ok {
		return stratum.Message{}, false
	}
	return t.announceLocked(job, m.MinNTime), true
}

func (t *Translator) announceLocked(m *sv2.NewMiningJob, ntime uint32) stratum.Message {
	h := header{
		Version:    m.Version,
		PrevHash:   t.prevHash,
		MerkleRoot: m.MerkleRoot,
		NTime:      ntime,
		NBits:      t.nbits,
	}
	id := t.nextJobIDLocked()
	target := TargetFromV2(t.channelTarget)
	t.linkLocked(jobLink{V1: id, V2: m.JobID, Version: m.Version, NTime: ntime, Header: h, HasHeader: true})
	t.tracker.AddJob(id, target, 0)
	return stratum.Job(id, hex.EncodeToString(h.marshal()), target, 0)
}
