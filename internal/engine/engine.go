// Package engine implements the poll-driven event loop shared by the
// client and server roles, the connection table, and the
// keepalive/timeout/reconnect state machine.
//
// Both roles run the identical loop and differ only in a small set of
// hooks (who listens, who dials, how CONFIG/CONNECT/TCP_ESTABLISHED are
// handled), so this is one Engine parameterized by a RoleHooks
// implementation, with NewClient/NewServer as the two constructors.
package engine

import (
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/redclem/rallonge/internal/config"
	"github.com/redclem/rallonge/internal/connmap"
	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/snmpstat"
	"github.com/redclem/rallonge/internal/sockfab"
)

// errSessionLoss signals that proto-TCP was lost (timeout or hangup) and
// the engine should take the reconnect branch.
var errSessionLoss = errors.New("engine: session lost")

// udpBridge is the per-bridge UDP state shared by both roles: the bound
// local socket and the peer address datagrams are relayed to/from.
type udpBridge struct {
	sock     *sockfab.Socket
	destAddr *sockfab.Address // server: fixed configured destination
	peerAddr *sockfab.Address // client: learned on first local datagram
}

// RoleHooks is the small per-role seam between client and server behavior:
// everything else (poll loop, dispatch, keepalive, table bookkeeping) is
// shared.
type RoleHooks interface {
	// Initiate performs role-specific startup (who listens, who dials) and
	// runs the fresh-session handshake.
	Initiate(e *Engine) error
	// Reconnect re-runs the handshake with Connection=RESUME, and on a
	// FRESH reply drops all bridges and reloads them.
	Reconnect(e *Engine) error
	// HandleConfig processes a CONFIG frame. Client-side this is always a
	// protocol violation.
	HandleConfig(e *Engine, p proto.Protocol, dstPort uint16, host string) error
	// HandleConnect processes a CONNECT frame. Client-side this is always
	// a protocol violation.
	HandleConnect(e *Engine, bridge uint16, sk, uk uint64) error
	// HandleTCPEstablished processes a TCP_ESTABLISHED frame. Server-side
	// this is always a protocol violation.
	HandleTCPEstablished(e *Engine, clientSK, clientUK, serverSK uint64) error
}

// Engine owns the whole tunnel session, single-threaded and cooperative —
// no field here is touched from more than one goroutine.
type Engine struct {
	hooks RoleHooks

	tcpProto *sockfab.Socket
	udpProto *sockfab.Socket
	peerUDP  *sockfab.Address // the peer's auxiliary UDP endpoint
	bypass   bool

	pfds       *sockfab.PollSet
	listeners  []*sockfab.Socket  // client-only, TCP-bridge order
	tcpDest    []*sockfab.Address // server-only, TCP-bridge order
	udpBridges []*udpBridge       // both sides, UDP-bridge order
	table      *connmap.Table
	subSocks   map[int]*sockfab.Socket // live sub-connection sockets, keyed by fd

	nextUK uint64 // client-only monotonic ComKey disambiguator

	lastTCPPacket time.Time
	tcpKAInterval time.Duration
	udpKAInterval time.Duration
	tcpTimeout    time.Duration
	tcpKANext     time.Time
	udpKANext     time.Time

	msgBuf []byte

	udpEstablished bool
	udpEstResend   bool
	udpRecvCount   int

	Stats  *snmpstat.Stats
	Quiet  bool
	Logger *log.Logger

	IsServer bool
}

// New builds an Engine around the given role hooks. Callers use NewClient
// or NewServer instead of calling this directly.
func New(hooks RoleHooks, isServer bool, logger *log.Logger, stats *snmpstat.Stats) *Engine {
	return &Engine{
		hooks:         hooks,
		IsServer:      isServer,
		pfds:          sockfab.NewPollSet(),
		table:         connmap.New(),
		subSocks:      make(map[int]*sockfab.Socket),
		tcpKAInterval: 2 * time.Second,
		udpKAInterval: 5 * time.Second,
		tcpTimeout:    4 * time.Second,
		msgBuf:        make([]byte, proto.MessageBufferSize),
		Stats:         stats,
		Logger:        logger,
		udpEstResend:  true,
	}
}

// ApplyTunable overrides the default keepalive/timeout intervals from a
// loaded config.Tunable. Call before Run.
func (e *Engine) ApplyTunable(t config.Tunable) {
	e.tcpKAInterval = t.TCPKeepAliveInterval()
	e.udpKAInterval = t.UDPKeepAliveInterval()
	e.tcpTimeout = t.TCPTimeoutDuration()
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Run starts the engine: Initiate, then loop forever, reconnecting on
// session loss. It returns on the first fatal error, whether from
// Initiate, Reconnect, or the loop itself.
func (e *Engine) Run() error {
	if err := e.hooks.Initiate(e); err != nil {
		return errors.Wrap(err, "initiate")
	}
	e.armTimers()

	for {
		err := e.iterate()
		if err == nil {
			continue
		}
		if err == errSessionLoss {
			e.Stats.Reconnects.Add(1)
			e.logf("session lost, reconnecting")
			if err2 := e.hooks.Reconnect(e); err2 != nil {
				return errors.Wrap(err2, "reconnect")
			}
			e.armTimers()
			continue
		}
		return err
	}
}

func (e *Engine) armTimers() {
	now := time.Now()
	e.lastTCPPacket = now
	e.tcpKANext = now.Add(e.tcpKAInterval)
	if e.bypass {
		e.udpKANext = now.Add(365 * 24 * time.Hour) // effectively never
	} else {
		e.udpKANext = now.Add(e.udpKAInterval)
	}
}

// send writes a frame to proto-TCP and bumps the frame-sent counter. A
// write failure means the tunnel link is gone, which is a session loss to
// recover from, never a fatal error.
func (e *Engine) send(frame []byte) error {
	if err := e.tcpProto.Send(frame); err != nil {
		e.logf("proto-tcp send: %v", err)
		return errSessionLoss
	}
	e.Stats.FramesSent.Add(1)
	return nil
}

// recvTCP reads a fixed-size frame body from proto-TCP, treating any read
// failure as loss of the session.
func (e *Engine) recvTCP(buf []byte) error {
	if err := e.tcpProto.RecvAll(buf); err != nil {
		e.logf("proto-tcp read: %v", err)
		return errSessionLoss
	}
	return nil
}

// installProtoSlots rebuilds the poll vector's two leading slots. In
// bypass mode there is no auxiliary UDP socket; the proto-UDP slot is
// kept in place with a negative fd so the role-block offsets stay fixed
// while poll(2) ignores it.
func (e *Engine) installProtoSlots() {
	e.pfds = sockfab.NewPollSet()
	e.pfds.Append(e.tcpProto.FD, sockfab.PollIn)
	if e.udpProto != nil {
		e.pfds.Append(e.udpProto.FD, sockfab.PollIn)
	} else {
		e.pfds.Append(-1, 0)
	}
}

// iterate runs exactly one pass of the event loop: timeout check, poll,
// keepalives, proto-channel drains, listener accepts, local UDP reads,
// sub-connection reads.
func (e *Engine) iterate() error {
	now := time.Now()

	// 1. Timeout check.
	if !now.Before(e.lastTCPPacket.Add(e.tcpTimeout)) {
		e.Stats.Timeouts.Add(1)
		e.send(proto.EncodeTCPTimeout())
		return errSessionLoss
	}

	// 2. Poll.
	timeout := minDuration(e.udpKANext.Sub(now), e.tcpKANext.Sub(now))
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	if _, err := e.pfds.Poll(ms); err != nil {
		return errors.Wrap(err, "poll")
	}
	now = time.Now()

	// 3. Keepalives.
	if !e.bypass && !now.Before(e.udpKANext) {
		if err := e.udpProto.SendTo(proto.EncodeNOP(), e.peerUDP); err != nil {
			e.logf("udp keepalive: %v", err)
		}
		e.udpKANext = now.Add(e.udpKAInterval)
	}
	if !now.Before(e.tcpKANext) {
		if err := e.send(proto.EncodeNOP()); err != nil {
			return err
		}
		e.tcpKANext = now.Add(e.tcpKAInterval)
	}

	// 4. Drain proto-TCP.
	for e.pfds.Revents(0) != 0 {
		if e.pfds.Revents(0)&(sockfab.PollErr|sockfab.PollHup) != 0 {
			return errSessionLoss
		}
		if err := e.dispatchTCP(); err != nil {
			return err
		}
		e.lastTCPPacket = time.Now()
		if err := e.pfds.PollOne(0, 0); err != nil {
			return errors.Wrap(err, "poll proto-tcp")
		}
	}

	// 5. Drain proto-UDP.
	if !e.bypass {
		for e.pfds.Revents(1) != 0 {
			if err := e.dispatchUDP(); err != nil {
				return err
			}
			if err := e.pfds.PollOne(1, 0); err != nil {
				return errors.Wrap(err, "poll proto-udp")
			}
		}
	}

	idx := 2

	// 6. Accept local TCP connections (client-only: listeners is empty on
	// the server).
	for bridge, l := range e.listeners {
		for e.pfds.Revents(idx) != 0 {
			if err := e.acceptSubConn(uint16(bridge), l); err != nil {
				return err
			}
			if err := e.pfds.PollOne(idx, 0); err != nil {
				return errors.Wrap(err, "poll listener")
			}
		}
		idx++
	}

	// 7. Read local UDP datagrams.
	for bridge, ub := range e.udpBridges {
		for e.pfds.Revents(idx) != 0 {
			if err := e.readLocalUDP(uint16(bridge), ub); err != nil {
				return err
			}
			if err := e.pfds.PollOne(idx, 0); err != nil {
				return errors.Wrap(err, "poll udp bridge")
			}
		}
		idx++
	}

	// 8. Read established sub-connections.
	for idx < e.pfds.Len() {
		advance := true
		for e.pfds.Revents(idx) != 0 {
			done, err := e.readSubConn(idx)
			if err != nil {
				return err
			}
			if done {
				advance = false
				break
			}
			if err := e.pfds.PollOne(idx, 0); err != nil {
				return errors.Wrap(err, "poll subconn")
			}
		}
		if advance {
			idx++
		}
	}

	return nil
}

// tableLookupEstablished is the small connmap seam client.go's
// HandleTCPEstablished needs without importing connmap itself.
func (e *Engine) tableLookupEstablished(sk, uk uint64) (*connmap.SubConnection, bool) {
	return e.table.Lookup(connmap.ComKey{SK: sk, UK: uk})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
