package proxy

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/connection"
	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/metrics"
	"github.com/carlosrabelo/defproxy/internal/noise"
	"github.com/carlosrabelo/defproxy/internal/proxysocks"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/internal/sv2"
	"github.com/carlosrabelo/defproxy/internal/translator"
)

const ioTimeout = 5 * time.Second

type shareSink struct {
	ch chan client.ShareSubmission
}

func (s *shareSink) Submit(share client.ShareSubmission) {
	s.ch <- share
}

func (s *shareSink) next(t *testing.T) client.ShareSubmission {
	t.Helper()
	select {
	case share := <-s.ch:
		return share
	case <-time.After(ioTimeout):
		t.Fatal("timeout waiting for share report")
		return client.ShareSubmission{}
	}
}

type staticTargets struct {
	target client.Target
	err    error
}

func (s staticTargets) Fetch(context.Context) (client.Target, error) {
	return s.target, s.err
}

func startProxy(t *testing.T, targets TargetSource) (*Proxy, string, *shareSink) {
	t.Helper()
	dialer, err := connection.NewDialer(proxysocks.Config{}, time.Second)
	require.NoError(t, err)
	sink := &shareSink{ch: make(chan client.ShareSubmission, 16)}
	p, err := NewProxy(Config{
		DefaultWallet:     "defaultwallet",
		MaxJobs:           10,
		DefaultDifficulty: 1000,
	}, targets, sink, dialer, metrics.NewCollector())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return p, ln.Addr().String(), sink
}

// startPool accepts connections and runs handle on each.
func startPool(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = c.SetDeadline(time.Now().Add(ioTimeout))
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func startV1Pool(t *testing.T, handle func(*connection.LineConn)) string {
	return startPool(t, func(c net.Conn) { handle(connection.NewLineConn(c)) })
}

// startV2Pool returns the pool address and its authority key.
func startV2Pool(t *testing.T, handle func(*noise.Channel)) (string, string) {
	t.Helper()
	key, err := noise.GenerateKeys()
	require.NoError(t, err)
	resp, err := noise.NewResponder(key, time.Hour)
	require.NoError(t, err)
	addr := startPool(t, func(c net.Conn) {
		ch, err := noise.Open(c, resp)
		if err != nil {
			return
		}
		handle(ch)
	})
	return addr, noise.FormatPublicKey(resp.AuthorityPublicKey())
}

// dialV2Miner retries because an act1 starting with '{' is read as V1.
func dialV2Miner(t *testing.T, p *Proxy, addr string) *noise.Channel {
	t.Helper()
	for attempt := 0; attempt < 4; attempt++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_ = conn.SetDeadline(time.Now().Add(time.Second))
		ch, err := noise.Open(conn, noise.NewInitiator(p.responder.AuthorityPublicKey()))
		if err == nil {
			_ = conn.SetDeadline(time.Now().Add(ioTimeout))
			t.Cleanup(func() { conn.Close() })
			return ch
		}
		conn.Close()
	}
	t.Fatal("miner handshake failed")
	return nil
}

func dialV1Miner(t *testing.T, addr string) *connection.LineConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))
	t.Cleanup(func() { conn.Close() })
	return connection.NewLineConn(conn)
}

func sendSV2(t *testing.T, ch *noise.Channel, m sv2.Message) {
	t.Helper()
	frame, err := sv2.Encode(m)
	require.NoError(t, err)
	require.NoError(t, ch.WriteFrame(noise.Frame{Kind: noise.FrameTransport, Payload: frame}))
}

func readSV2(t *testing.T, ch *noise.Channel) sv2.Message {
	t.Helper()
	f, err := ch.ReadFrame()
	require.NoError(t, err)
	m, err := sv2.Decode(f.Payload)
	require.NoError(t, err)
	return m
}

func readV1(t *testing.T, lc *connection.LineConn) stratum.Message {
	t.Helper()
	line, err := lc.ReadLine()
	require.NoError(t, err)
	m, err := stratum.Parse(line)
	require.NoError(t, err)
	return m
}

func TestV1Passthrough(t *testing.T) {
	fromMiner := make(chan string, 4)
	poolAddr := startV1Pool(t, func(lc *connection.LineConn) {
		line, err := lc.ReadLine()
		if err != nil {
			return
		}
		fromMiner <- string(line)
		_ = lc.WriteLine([]byte(`{"id":1,"jsonrpc":"2.0","error":null,"result":{"id":"sess","job":{"job_id":"j1","blob":"00","target":"0000ffff","height":3},"status":"OK"}}`))
		line, err = lc.ReadLine()
		if err != nil {
			return
		}
		fromMiner <- string(line)
		_ = lc.WriteLine([]byte(`{"id":2,"jsonrpc":"2.0","error":null,"result":{"status":"OK"}}`))
		_, _ = lc.ReadLine()
	})

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/target" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"address":%q,"pubkey":null,"protocol":"sv1","name":"pool-v1"}`, poolAddr)
	}))
	t.Cleanup(api.Close)

	p, addr, sink := startProxy(t, client.NewResolver(api.URL, nil))
	miner := dialV1Miner(t, addr)

	login := `{"id":1,"method":"login","params":{"login":"4Awallet","pass":"x","rigid":"rig1"}}` + "\n"
	require.NoError(t, miner.WriteLine([]byte(login)))
	reply := readV1(t, miner)
	assert.Equal(t, login, <-fromMiner, "lines are relayed unchanged")
	res, ok := stratum.ParseLoginResult(reply.Result)
	require.True(t, ok)
	assert.Equal(t, "j1", res.Job.JobID)

	submit := `{"id":2,"method":"submit","params":{"id":"sess","job_id":"j1","nonce":"01020304","result":"ff"}}` + "\n"
	require.NoError(t, miner.WriteLine([]byte(submit)))
	reply = readV1(t, miner)
	assert.True(t, reply.Accepted())
	assert.Equal(t, submit, <-fromMiner)

	share := sink.next(t)
	assert.True(t, share.Valid)
	assert.Equal(t, "4Awallet", share.WalletAddress)
	assert.Equal(t, "rig1", share.WorkerName)
	assert.Equal(t, "pool-v1", share.TargetName)
	assert.Equal(t, jobtracker.DifficultyFromTarget("0000ffff", 0), share.Difficulty)

	sessions := p.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "sv1", sessions[0].Protocol)
	assert.Equal(t, "4Awallet", sessions[0].Wallet)
	assert.Equal(t, uint64(1), sessions[0].OK)
	assert.Equal(t, uint64(1), p.Metrics().GetSharesOK())
}

func TestV2Relay(t *testing.T) {
	fromMiner := make(chan sv2.Message, 1)
	poolAddr, poolKey := startV2Pool(t, func(ch *noise.Channel) {
		f, err := ch.ReadFrame()
		if err != nil {
			return
		}
		m, err := sv2.Decode(f.Payload)
		if err != nil {
			return
		}
		// A misdetected dial arrives here as a translated V1 session.
		if setup, ok := m.(*sv2.SetupConnection); !ok || setup.EndpointHost != "pool.example" {
			return
		}
		fromMiner <- m
		frame, _ := sv2.Encode(&sv2.SetupConnectionSuccess{UsedVersion: 2, Flags: 1})
		_ = ch.WriteFrame(noise.Frame{Kind: noise.FrameTransport, Payload: frame})
		_, _ = ch.ReadFrame()
	})

	p, addr, _ := startProxy(t, staticTargets{target: client.Target{Address: poolAddr, Pubkey: &poolKey, Protocol: client.ProtocolSV2}})
	miner := dialV2Miner(t, p, addr)

	setup := translator.SetupConnection("pool.example", 3336)
	sendSV2(t, miner, setup)
	got := readSV2(t, miner)
	assert.Equal(t, &sv2.SetupConnectionSuccess{UsedVersion: 2, Flags: 1}, got)
	assert.Equal(t, setup, <-fromMiner)
	assert.Eventually(t, func() bool { return p.Metrics().FramesForwarded.Load() >= 2 }, ioTimeout, 10*time.Millisecond)
}

func TestV1MinerToV2Pool(t *testing.T) {
	target, err := translator.TargetToV2("0000ffff")
	require.NoError(t, err)
	var merkle, prev [32]byte
	merkle[0], prev[31] = 0xaa, 0xbb

	opened := make(chan *sv2.OpenStandardMiningChannel, 1)
	shares := make(chan *sv2.SubmitSharesStandard, 1)
	poolAddr, poolKey := startV2Pool(t, func(ch *noise.Channel) {
		send := func(m sv2.Message) {
			frame, _ := sv2.Encode(m)
			_ = ch.WriteFrame(noise.Frame{Kind: noise.FrameTransport, Payload: frame})
		}
		for {
			f, err := ch.ReadFrame()
			if err != nil {
				return
			}
			m, err := sv2.Decode(f.Payload)
			if err != nil {
				return
			}
			switch m := m.(type) {
			case *sv2.SetupConnection:
				send(&sv2.SetupConnectionSuccess{UsedVersion: 2})
			case *sv2.OpenStandardMiningChannel:
				opened <- m
				send(&sv2.OpenStandardMiningChannelSuccess{RequestID: m.RequestID, ChannelID: 7, Target: target})
				send(&sv2.NewMiningJob{ChannelID: 7, JobID: 1, Version: 0x20000000, MerkleRoot: merkle})
				send(&sv2.SetNewPrevHash{ChannelID: 7, JobID: 1, PrevHash: prev, MinNTime: 1700000000, NBits: 0x1d00ffff})
			case *sv2.SubmitSharesStandard:
				shares <- m
				send(&sv2.SubmitSharesSuccess{ChannelID: 7, LastSequenceNumber: m.SequenceNumber, NewSubmitsAcceptedCount: 1})
			}
		}
	})

	_, addr, sink := startProxy(t, staticTargets{target: client.Target{Address: poolAddr, Pubkey: &poolKey}})
	miner := dialV1Miner(t, addr)

	require.NoError(t, miner.WriteJSON(stratum.Login(1, "4Awallet", "rig1")))
	reply := readV1(t, miner)
	assert.Equal(t, stratum.NumberID(1), reply.ID)
	open := <-opened
	assert.Equal(t, "4Awallet.rig1", open.UserIdentity)

	jobMsg := readV1(t, miner)
	method, ok := jobMsg.GetMethod()
	require.True(t, ok)
	assert.Equal(t, stratum.MethodJob, method.Kind)
	job, ok := stratum.ParseJob(jobMsg.Params)
	require.True(t, ok)
	assert.Equal(t, "0000ffff", job.Target)
	blob, err := hex.DecodeString(job.Blob)
	require.NoError(t, err)
	assert.Len(t, blob, translator.HeaderPrefixLen)

	require.NoError(t, miner.WriteJSON(stratum.Submit(2, job.JobID, "04030201", "ff")))
	reply = readV1(t, miner)
	assert.True(t, reply.Accepted())

	select {
	case s := <-shares:
		assert.Equal(t, uint32(7), s.ChannelID)
		assert.Equal(t, uint32(1), s.JobID)
		assert.Equal(t, uint32(0x01020304), s.Nonce)
		assert.Equal(t, uint32(1700000000), s.NTime)
	case <-time.After(ioTimeout):
		t.Fatal("pool never received the share")
	}

	share := sink.next(t)
	assert.True(t, share.Valid)
	assert.Equal(t, "4Awallet", share.WalletAddress)
	assert.Equal(t, "rig1", share.WorkerName)
	assert.Equal(t, poolAddr, share.TargetName)
}

func headerHex(version, ntime, nbits uint32, prev, merkle [32]byte) string {
	b := binary.LittleEndian.AppendUint32(nil, version)
	b = append(b, prev[:]...)
	b = append(b, merkle[:]...)
	b = binary.LittleEndian.AppendUint32(b, ntime)
	b = binary.LittleEndian.AppendUint32(b, nbits)
	return hex.EncodeToString(b)
}

func TestV2MinerToV1Pool(t *testing.T) {
	var prev, merkle [32]byte
	prev[0], merkle[0] = 1, 2
	blob := headerHex(0x20000000, 1700000000, 0x1d00ffff, prev, merkle)

	logins := make(chan stratum.Message, 1)
	submits := make(chan stratum.Message, 1)
	poolAddr := startV1Pool(t, func(lc *connection.LineConn) {
		for {
			line, err := lc.ReadLine()
			if err != nil {
				return
			}
			msg, err := stratum.Parse(line)
			if err != nil {
				return
			}
			method, _ := msg.GetMethod()
			switch method.Kind {
			case stratum.MethodLogin:
				logins <- msg
				_ = lc.WriteLine([]byte(fmt.Sprintf(`{"id":%s,"jsonrpc":"2.0","error":null,"result":{"id":"sess","job":{"job_id":"p1","blob":"%s","target":"0000ffff","height":10},"status":"OK"}}`, msg.ID, blob)))
			case stratum.MethodSubmit:
				submits <- msg
				_ = lc.WriteLine([]byte(fmt.Sprintf(`{"id":%s,"jsonrpc":"2.0","error":null,"result":{"status":"OK"}}`, msg.ID)))
			}
		}
	})

	p, addr, sink := startProxy(t, staticTargets{target: client.Target{Address: poolAddr, Protocol: client.ProtocolSV1, TargetID: "xmr"}})
	miner := dialV2Miner(t, p, addr)

	sendSV2(t, miner, &sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 2, MaxVersion: 2, Flags: sv2.FlagRequiresStandardJobs})
	assert.IsType(t, &sv2.SetupConnectionSuccess{}, readSV2(t, miner))

	sendSV2(t, miner, &sv2.OpenStandardMiningChannel{RequestID: 5, UserIdentity: "4Awallet.rig9", MaxTarget: translator.MaxTargetV2()})
	login := <-logins
	params, ok := login.ParamObject()
	require.True(t, ok)
	assert.Equal(t, "4Awallet.rig9", params["login"])
	assert.Equal(t, translator.Agent, params["agent"])

	success, ok := readSV2(t, miner).(*sv2.OpenStandardMiningChannelSuccess)
	require.True(t, ok)
	assert.Equal(t, uint32(5), success.RequestID)
	newJob, ok := readSV2(t, miner).(*sv2.NewMiningJob)
	require.True(t, ok)
	assert.Equal(t, merkle, newJob.MerkleRoot)
	prevHash, ok := readSV2(t, miner).(*sv2.SetNewPrevHash)
	require.True(t, ok)
	assert.Equal(t, prev, prevHash.PrevHash)

	sendSV2(t, miner, &sv2.SubmitSharesStandard{
		ChannelID: success.ChannelID, SequenceNumber: 1, JobID: newJob.JobID,
		Nonce: 0x01020304, NTime: 1700000000, Version: 0x20000000,
	})
	submit := <-submits
	sp, ok := submit.ParamObject()
	require.True(t, ok)
	assert.Equal(t, "sess", sp["id"])
	assert.Equal(t, "p1", sp["job_id"])
	assert.Equal(t, "04030201", sp["nonce"])

	result, ok := readSV2(t, miner).(*sv2.SubmitSharesSuccess)
	require.True(t, ok)
	assert.Equal(t, uint32(1), result.LastSequenceNumber)

	share := sink.next(t)
	assert.True(t, share.Valid)
	assert.Equal(t, "4Awallet", share.WalletAddress)
	assert.Equal(t, "rig9", share.WorkerName)
	assert.Equal(t, "xmr", share.TargetName)
}

func TestV2TargetWithoutPubkey(t *testing.T) {
	_, addr, _ := startProxy(t, staticTargets{target: client.Target{Address: "127.0.0.1:1", Protocol: client.ProtocolSV2}})
	miner := dialV1Miner(t, addr)
	require.NoError(t, miner.WriteJSON(stratum.Login(1, "w", "k")))
	_, err := miner.ReadLine()
	assert.Error(t, err)
}

func TestTargetFetchFailure(t *testing.T) {
	p, addr, _ := startProxy(t, staticTargets{err: errors.New("management server down")})
	miner := dialV1Miner(t, addr)
	require.NoError(t, miner.WriteJSON(stratum.Login(1, "w", "k")))
	_, err := miner.ReadLine()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return p.Metrics().UpstreamFailures.Load() == 1 }, ioTimeout, 10*time.Millisecond)

	// The listener keeps serving.
	miner = dialV1Miner(t, addr)
	require.NoError(t, miner.WriteJSON(stratum.Login(2, "w", "k")))
	_, err = miner.ReadLine()
	assert.Error(t, err)
}

func TestUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	p, addr, _ := startProxy(t, staticTargets{target: client.Target{Address: dead, Protocol: client.ProtocolSV1}})
	miner := dialV1Miner(t, addr)
	require.NoError(t, miner.WriteJSON(stratum.Login(1, "w", "k")))
	_, err = miner.ReadLine()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return p.Metrics().GetSessionsActive() == 0 }, ioTimeout, 10*time.Millisecond)
}

func TestV2MinerSetupRejected(t *testing.T) {
	poolAddr := startV1Pool(t, func(lc *connection.LineConn) { _, _ = lc.ReadLine() })
	p, addr, _ := startProxy(t, staticTargets{target: client.Target{Address: poolAddr, Protocol: client.ProtocolSV1}})
	miner := dialV2Miner(t, p, addr)

	sendSV2(t, miner, &sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 3, MaxVersion: 4})
	reply, ok := readSV2(t, miner).(*sv2.SetupConnectionError)
	require.True(t, ok)
	assert.Equal(t, "protocol-version-mismatch", reply.ErrorCode)

	_, err := miner.ReadFrame()
	assert.Error(t, err, "the session ends after a rejected setup")
}

func TestV2PoolRefusesSetup(t *testing.T) {
	poolAddr, poolKey := startV2Pool(t, func(ch *noise.Channel) {
		if _, err := ch.ReadFrame(); err != nil {
			return
		}
		frame, _ := sv2.Encode(&sv2.SetupConnectionError{ErrorCode: "unsupported-feature-flags"})
		_ = ch.WriteFrame(noise.Frame{Kind: noise.FrameTransport, Payload: frame})
		// Hold the pool side open; the proxy must end the session itself.
		_, _ = ch.ReadFrame()
	})
	_, addr, _ := startProxy(t, staticTargets{target: client.Target{Address: poolAddr, Pubkey: &poolKey}})
	miner := dialV1Miner(t, addr)
	require.NoError(t, miner.WriteJSON(stratum.Login(1, "4Awallet", "rig1")))

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = miner.ReadLine()
	}
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "the proxy closes the miner connection")
}
