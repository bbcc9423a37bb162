// Package proxy accepts miner connections and bridges each one to the
// upstream the management server currently points at.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/connection"
	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/metrics"
	"github.com/carlosrabelo/defproxy/internal/noise"
	apperrors "github.com/carlosrabelo/defproxy/pkg/errors"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// Config holds the settings shared read-only by every connection.
type Config struct {
	ListenAddress string
	DefaultWallet string

	// AuthorityKey signs the certificate presented to V2 miners. A fresh key
	// is generated when nil.
	AuthorityKey *btcec.PrivateKey
	CertValidity time.Duration

	MaxJobs           int
	DefaultDifficulty float64
}

// TargetSource resolves the upstream for a new connection.
type TargetSource interface {
	Fetch(ctx context.Context) (client.Target, error)
}

// ShareSink receives share reports. Submit must not block.
type ShareSink interface {
	Submit(s client.ShareSubmission)
}

// Proxy represents the main proxy instance
type Proxy struct {
	cfg       Config
	targets   TargetSource
	shares    ShareSink
	dialer    *connection.Dialer
	mx        *metrics.Collector
	responder *noise.Responder

	nextID   atomic.Uint64
	sessMu   sync.RWMutex
	sessions map[uint64]*session
	started  time.Time
}

// NewProxy creates a new proxy instance
func NewProxy(cfg Config, targets TargetSource, shares ShareSink, dialer *connection.Dialer, mx *metrics.Collector) (*Proxy, error) {
	if cfg.AuthorityKey == nil {
		key, err := noise.GenerateKeys()
		if err != nil {
			return nil, fmt.Errorf("proxy: generate authority key: %w", err)
		}
		cfg.AuthorityKey = key
	}
	responder, err := noise.NewResponder(cfg.AuthorityKey, cfg.CertValidity)
	if err != nil {
		return nil, fmt.Errorf("proxy: responder: %w", err)
	}
	if mx == nil {
		mx = metrics.NewCollector()
	}
	return &Proxy{
		cfg:       cfg,
		targets:   targets,
		shares:    shares,
		dialer:    dialer,
		mx:        mx,
		responder: responder,
		sessions:  make(map[uint64]*session),
		started:   time.Now(),
	}, nil
}

// AuthorityPublicKey is the key V2 miners must be configured with.
func (p *Proxy) AuthorityPublicKey() string {
	return noise.FormatPublicKey(p.responder.AuthorityPublicKey())
}

func (p *Proxy) Metrics() *metrics.Collector {
	return p.mx
}

// AcceptLoop listens on the configured address and serves until ctx is done.
func (p *Proxy) AcceptLoop(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return err
	}
	logger.Info("proxy: listening on %s", ln.Addr())
	return p.Serve(ctx, ln)
}

// Serve accepts connections from ln, one goroutine each. It returns nil once
// ctx is cancelled and an error only when the listener itself fails.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Warn("proxy: accept: %v", err)
				continue
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one connection to completion. Errors stay here.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	addr := conn.RemoteAddr().String()
	log := logger.WithField("peer", addr)

	proto, conn, err := connection.Detect(conn)
	if err != nil {
		log.Debugf("proxy: detect: %v", err)
		return
	}
	log = log.WithField("protocol", proto.String())
	log.Infof("proxy: client connected")

	s := p.addSession(addr, proto)
	p.mx.ConnectionOpened(metrics.Protocol(proto.String()))
	defer func() {
		p.removeSession(s.id)
		p.mx.ConnectionClosed()
	}()

	err = p.serve(ctx, proto, conn, s)
	wallet, worker := s.identity()
	log = log.WithField("duration", time.Since(s.started).Round(time.Second))
	switch {
	case err == nil || connection.IsExpectedClose(err) || errors.Is(err, noise.ErrSocketClosed):
		log.Infof("proxy: client closed wallet=%s worker=%s shares=%d (ok=%d bad=%d)",
			wallet, worker, s.shares().GetTotal(), s.shares().GetOK(), s.shares().GetBad())
	default:
		if code := apperrors.CodeOf(err); code != "" {
			log = log.WithField("code", code)
		}
		log.Warnf("proxy: session ended: %v", err)
	}
}

func (p *Proxy) serve(ctx context.Context, proto connection.Protocol, conn net.Conn, s *session) error {
	var down *noise.Channel
	if proto == connection.ProtocolV2 {
		ch, err := noise.Open(conn, p.responder)
		if err != nil {
			p.mx.IncrementHandshakeFailures()
			return apperrors.Wrap(apperrors.CodeDownstreamHandshake, "miner handshake", err)
		}
		down = ch
	}

	target, err := p.targets.Fetch(ctx)
	if err != nil {
		p.mx.IncrementUpstreamFailures()
		return apperrors.Wrap(apperrors.CodeTargetFetch, "resolve target", err)
	}
	s.setTarget(target)
	logger.WithFields(logger.Fields{"peer": s.peer, "target": target.Address}).
		Debugf("proxy: dialing upstream protocol=%s via %s", target.Protocol, p.dialer.Via())

	var initiator *noise.Initiator
	if !target.IsV1() {
		pub := target.PubkeyString()
		if pub == "" {
			return apperrors.New(apperrors.CodeUpstreamHandshake, "sv2 target "+target.Address+" has no pubkey")
		}
		initiator, err = noise.NewInitiatorFromString(pub)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeUpstreamHandshake, "invalid upstream pubkey", err)
		}
	}

	upConn, err := p.dialer.Dial(ctx, target.Address)
	if err != nil {
		p.mx.IncrementUpstreamFailures()
		return err
	}
	defer upConn.Close()
	stopUp := context.AfterFunc(ctx, func() { _ = upConn.Close() })
	defer stopUp()

	var up *noise.Channel
	if initiator != nil {
		ch, err := noise.Open(upConn, initiator)
		if err != nil {
			p.mx.IncrementHandshakeFailures()
			return apperrors.Wrap(apperrors.CodeUpstreamHandshake, "pool handshake", err)
		}
		up = ch
	}

	b := &bridge{
		proxy:   p,
		session: s,
		target:  target,
		tracker: jobtracker.New(p.cfg.MaxJobs, p.cfg.DefaultDifficulty),
		closers: []func() error{conn.Close, upConn.Close},
	}
	switch {
	case down == nil && up == nil:
		return b.v1Passthrough(ctx, conn, upConn)
	case down != nil && up != nil:
		return b.v2Relay(ctx, down, up)
	case down != nil:
		return b.v2MinerToV1Pool(ctx, down, upConn)
	default:
		return b.v1MinerToV2Pool(ctx, conn, up, upConn)
	}
}

// report forwards a share to the accounting server and counts it.
func (p *Proxy) report(s *session, share client.ShareSubmission, counted bool) {
	if !counted {
		p.mx.RecordShare(share.Valid)
		s.shares().Record(share.Valid)
	}
	if p.shares != nil {
		p.shares.Submit(share)
	}
}

type session struct {
	id       uint64
	peer     string
	protocol connection.Protocol
	started  time.Time

	mu       sync.Mutex
	target   string
	identFn  func() (string, string)
	counters *metrics.SessionMetrics
}

func (s *session) setTarget(t client.Target) {
	s.mu.Lock()
	s.target = t.Name()
	s.mu.Unlock()
}

func (s *session) setIdentity(fn func() (string, string)) {
	s.mu.Lock()
	s.identFn = fn
	s.mu.Unlock()
}

func (s *session) identity() (wallet, worker string) {
	s.mu.Lock()
	fn := s.identFn
	s.mu.Unlock()
	if fn == nil {
		return "", ""
	}
	return fn()
}

func (s *session) setShares(m *metrics.SessionMetrics) {
	s.mu.Lock()
	s.counters = m
	s.mu.Unlock()
}

func (s *session) shares() *metrics.SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// SessionView is the public view of a session in /status.
type SessionView struct {
	ID       uint64    `json:"id"`
	Peer     string    `json:"peer"`
	Protocol string    `json:"protocol"`
	Target   string    `json:"target"`
	Wallet   string    `json:"wallet"`
	Worker   string    `json:"worker"`
	Since    time.Time `json:"since"`
	OK       uint64    `json:"ok"`
	Bad      uint64    `json:"bad"`
}

func (s *session) view() SessionView {
	wallet, worker := s.identity()
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	c := s.shares()
	return SessionView{
		ID:       s.id,
		Peer:     s.peer,
		Protocol: s.protocol.String(),
		Target:   target,
		Wallet:   wallet,
		Worker:   worker,
		Since:    s.started,
		OK:       c.GetOK(),
		Bad:      c.GetBad(),
	}
}

func (p *Proxy) addSession(peer string, proto connection.Protocol) *session {
	s := &session{
		id:       p.nextID.Add(1),
		peer:     peer,
		protocol: proto,
		started:  time.Now(),
		counters: metrics.NewSessionMetrics(),
	}
	p.sessMu.Lock()
	p.sessions[s.id] = s
	p.sessMu.Unlock()
	return s
}

func (p *Proxy) removeSession(id uint64) {
	p.sessMu.Lock()
	delete(p.sessions, id)
	p.sessMu.Unlock()
}

// Sessions lists live sessions ordered by id.
func (p *Proxy) Sessions() []SessionView {
	p.sessMu.RLock()
	out := make([]SessionView, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.view())
	}
	p.sessMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
