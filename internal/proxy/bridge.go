package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/connection"
	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/noise"
	"github.com/carlosrabelo/defproxy/internal/routing"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	"github.com/carlosrabelo/defproxy/internal/sv2"
	"github.com/carlosrabelo/defproxy/internal/translator"
	apperrors "github.com/carlosrabelo/defproxy/pkg/errors"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

// bridge holds what both directions of one session share.
type bridge struct {
	proxy   *Proxy
	session *session
	target  client.Target
	tracker *jobtracker.Tracker
	closers []func() error
}

func (b *bridge) log() *logrus.Entry {
	return logger.WithFields(logger.Fields{"peer": b.session.peer, "target": b.target.Address})
}

// pump runs the directions concurrently. The first one to return closes
// every socket so the others unblock; its result is the session's result.
func (b *bridge) pump(ctx context.Context, dirs ...func() error) error {
	var (
		once  sync.Once
		first error
	)
	finish := func(err error) {
		once.Do(func() {
			first = err
			for _, c := range b.closers {
				_ = c()
			}
		})
	}
	stop := context.AfterFunc(ctx, func() { finish(ctx.Err()) })
	defer stop()

	var g errgroup.Group
	for _, dir := range dirs {
		g.Go(func() error {
			err := dir()
			finish(err)
			return err
		})
	}
	_ = g.Wait()
	return first
}

// v1Passthrough relays lines unchanged, observing them for share reports.
func (b *bridge) v1Passthrough(ctx context.Context, minerConn, poolConn net.Conn) error {
	miner := connection.NewLineConn(minerConn)
	pool := connection.NewLineConn(poolConn)
	obs := routing.NewObserver(routing.Options{
		Tracker:    b.tracker,
		Metrics:    b.proxy.mx,
		TargetName: b.target.Name(),
		Peer:       b.session.peer,
	})
	b.session.setIdentity(func() (string, string) { return obs.Wallet(), obs.Worker() })
	b.session.setShares(obs.Session())
	b.log().Infof("bridge: v1 passthrough")

	return b.pump(ctx,
		func() error {
			for {
				line, err := miner.ReadLine()
				if err != nil {
					return err
				}
				obs.ObserveClient(line)
				if err := pool.WriteLine(line); err != nil {
					return err
				}
				b.proxy.mx.AddFrames(1)
			}
		},
		func() error {
			for {
				line, err := pool.ReadLine()
				if err != nil {
					return err
				}
				share := obs.ObserveUpstream(line)
				if err := miner.WriteLine(line); err != nil {
					return err
				}
				b.proxy.mx.AddFrames(1)
				if share != nil {
					b.proxy.report(b.session, *share, true)
				}
			}
		},
	)
}

// v2Relay decrypts frames from one channel and re-encrypts them on the other.
func (b *bridge) v2Relay(ctx context.Context, miner, pool *noise.Channel) error {
	mr, mw := miner.Split()
	pr, pw := pool.Split()
	b.log().Infof("bridge: v2 relay")
	return b.pump(ctx,
		func() error { return b.relayFrames(mr, pw, "miner") },
		func() error { return b.relayFrames(pr, mw, "pool") },
	)
}

func (b *bridge) relayFrames(src *noise.ReadHalf, dst *noise.WriteHalf, from string) error {
	for {
		f, err := src.ReadFrame()
		if err != nil {
			return err
		}
		if f.Kind != noise.FrameTransport {
			return fmt.Errorf("bridge: unexpected %s frame from %s", f.Kind, from)
		}
		if logger.Default.IsDebug() {
			if h, err := sv2.ParseHeader(f.Payload); err == nil {
				b.log().Debugf("bridge: %s -> %s", from, sv2.Name(h.MsgType))
			}
		}
		if err := dst.WriteFrame(f); err != nil {
			return err
		}
		b.proxy.mx.AddFrames(1)
	}
}

// v2MinerToV1Pool translates a V2 miner onto a V1 pool.
func (b *bridge) v2MinerToV1Pool(ctx context.Context, miner *noise.Channel, poolConn net.Conn) error {
	tr := b.newTranslator()
	mr, mw := miner.Split()
	pool := connection.NewLineConn(poolConn)
	b.log().Infof("bridge: v2 miner to v1 pool")

	return b.pump(ctx,
		func() error {
			for {
				f, err := mr.ReadFrame()
				if err != nil {
					return err
				}
				msg, err := sv2.Decode(f.Payload)
				if err != nil {
					b.log().Warnf("bridge: bad frame from miner: %v", err)
					continue
				}
				res, herr := tr.HandleDownstreamV2(msg)
				if err := writeSV2(mw, res.Reply); err != nil {
					return err
				}
				if herr != nil {
					return apperrors.Wrap(apperrors.CodeProtocolMismatch, "miner setup", herr)
				}
				for _, m := range res.Upstream {
					if err := pool.WriteJSON(m); err != nil {
						return err
					}
				}
				b.proxy.mx.AddFrames(1)
			}
		},
		func() error {
			for {
				line, err := pool.ReadLine()
				if err != nil {
					return err
				}
				msg, err := stratum.Parse(line)
				if err != nil {
					b.log().Warnf("bridge: bad line from pool: %v", err)
					continue
				}
				res := tr.HandleUpstreamV1(msg)
				if err := writeSV2(mw, res.Downstream); err != nil {
					return err
				}
				b.noteJobs(res.Downstream)
				b.proxy.mx.AddFrames(1)
				if res.Share != nil {
					b.proxy.report(b.session, *res.Share, false)
				}
			}
		},
	)
}

// v1MinerToV2Pool translates a V1 miner onto a V2 pool.
func (b *bridge) v1MinerToV2Pool(ctx context.Context, minerConn net.Conn, pool *noise.Channel, poolConn net.Conn) error {
	tr := b.newTranslator()
	miner := connection.NewLineConn(minerConn)
	pr, pw := pool.Split()
	b.log().Infof("bridge: v1 miner to v2 pool")

	host, port := splitHostPort(poolConn.RemoteAddr())
	if err := writeSV2(pw, []sv2.Message{translator.SetupConnection(host, port)}); err != nil {
		return err
	}

	return b.pump(ctx,
		func() error {
			for {
				line, err := miner.ReadLine()
				if err != nil {
					return err
				}
				msg, err := stratum.Parse(line)
				if err != nil {
					if werr := miner.WriteJSON(stratum.ErrorResponse(nil, -1, "Invalid JSON")); werr != nil {
						return werr
					}
					continue
				}
				res, herr := tr.HandleV1(msg)
				if herr != nil {
					return herr
				}
				if res.Reply != nil {
					if err := miner.WriteJSON(*res.Reply); err != nil {
						return err
					}
				}
				if err := writeSV2(pw, res.Upstream); err != nil {
					return err
				}
				b.proxy.mx.AddFrames(1)
				if res.Share != nil {
					b.proxy.report(b.session, *res.Share, false)
				}
			}
		},
		func() error {
			for {
				f, err := pr.ReadFrame()
				if err != nil {
					return err
				}
				msg, err := sv2.Decode(f.Payload)
				if err != nil {
					b.log().Warnf("bridge: bad frame from pool: %v", err)
					continue
				}
				jobs, herr := tr.HandleUpstreamV2(msg)
				if herr != nil {
					return apperrors.Wrap(apperrors.CodeProtocolMismatch, "pool setup", herr)
				}
				for _, job := range jobs {
					if err := miner.WriteJSON(job); err != nil {
						return err
					}
				}
				if len(jobs) > 0 {
					b.proxy.mx.SetLastJob(time.Now())
				}
				b.proxy.mx.AddFrames(1)
			}
		},
	)
}

func (b *bridge) newTranslator() *translator.Translator {
	tr := translator.New(translator.Options{
		Tracker:       b.tracker,
		TargetName:    b.target.Name(),
		DefaultWallet: b.proxy.cfg.DefaultWallet,
	})
	b.session.setIdentity(func() (string, string) { return tr.Wallet(), tr.Worker() })
	return tr
}

func (b *bridge) noteJobs(msgs []sv2.Message) {
	for _, m := range msgs {
		if _, ok := m.(*sv2.NewMiningJob); ok {
			b.proxy.mx.SetLastJob(time.Now())
			return
		}
	}
}

func writeSV2(w *noise.WriteHalf, msgs []sv2.Message) error {
	for _, m := range msgs {
		frame, err := sv2.Encode(m)
		if err != nil {
			return fmt.Errorf("bridge: encode %s: %w", sv2.Name(m.MsgType()), err)
		}
		if err := w.WriteFrame(noise.Frame{Kind: noise.FrameTransport, Payload: frame}); err != nil {
			return err
		}
	}
	return nil
}

func splitHostPort(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(port)
}
