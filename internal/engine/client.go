package engine

import (
	"log"

	"github.com/pkg/errors"

	"github.com/redclem/rallonge/internal/config"
	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/snmpstat"
	"github.com/redclem/rallonge/internal/sockfab"
)

// clientRole is the client side of RoleHooks: it dials the server, owns
// the local bridge listeners/UDP sockets, and is the only side that ever
// sends CONFIG/CONNECT or receives TCP_ESTABLISHED.
type clientRole struct {
	serverAddr *sockfab.Address
	bridges    []config.Bridge
	bypass     bool
	udpPort    uint16
}

// NewClient builds an Engine in the client role.
func NewClient(serverHost string, serverPort uint16, bridges []config.Bridge, bypass bool, udpPort uint16, logger *log.Logger, stats *snmpstat.Stats) (*Engine, error) {
	addr, err := sockfab.Resolve(serverHost, serverPort)
	if err != nil {
		return nil, err
	}
	c := &clientRole{serverAddr: addr, bridges: bridges, bypass: bypass, udpPort: udpPort}
	return New(c, false, logger, stats), nil
}

// dialTunnel (re)establishes the client's half of the tunnel link: the
// proto-TCP connection and, unless the session bypasses UDP, a locally
// bound auxiliary UDP socket. In bypass no UDP socket exists at all.
func (c *clientRole) dialTunnel(e *Engine) error {
	tcpSock, err := sockfab.DialTCP(c.serverAddr)
	if err != nil {
		return errors.Wrap(err, "dial proto-tcp")
	}
	e.tcpProto = tcpSock
	e.udpProto = nil
	e.bypass = c.bypass
	if !c.bypass {
		localUDP, err := sockfab.BindUDP(sockfab.Wildcard(c.udpPort))
		if err != nil {
			tcpSock.Close()
			return errors.Wrap(err, "bind proto-udp")
		}
		e.udpProto = localUDP
	}
	return nil
}

// clientHandshake runs the client's side of the session handshake:
// ESTABLISH barrier, Connection byte, UDPBypass byte, and (non-bypass)
// the UDP port exchange plus the NOP convergence rounds. Returns the
// server's authoritative Connection decision.
func (c *clientRole) clientHandshake(e *Engine, kind proto.ConnKind) (proto.ConnKind, error) {
	if err := e.exchangeEstablish(); err != nil {
		return 0, err
	}
	if err := e.sendByte(byte(kind)); err != nil {
		return 0, err
	}
	decision, err := e.recvByte()
	if err != nil {
		return 0, err
	}

	want := proto.NoBypass
	if c.bypass {
		want = proto.DoBypass
	}
	if err := e.sendByte(byte(want)); err != nil {
		return 0, err
	}
	echo, err := e.recvByte()
	if err != nil {
		return 0, err
	}
	if proto.Bypass(echo) != want {
		return 0, errors.Errorf("client: server did not honor UDP bypass choice %d", want)
	}

	if !c.bypass {
		peerUDP, err := e.announceUDPPort(c.serverAddr)
		if err != nil {
			return 0, err
		}
		e.peerUDP = peerUDP
	}
	if err := e.performUDPHandshake(); err != nil {
		return 0, err
	}
	return proto.ConnKind(decision), nil
}

func (c *clientRole) Initiate(e *Engine) error {
	if err := c.dialTunnel(e); err != nil {
		return err
	}
	e.installProtoSlots()
	if _, err := c.clientHandshake(e, proto.Fresh); err != nil {
		return err
	}
	return c.loadBridges(e)
}

func (c *clientRole) loadBridges(e *Engine) error {
	for _, b := range c.bridges {
		switch b.Proto {
		case proto.TCP:
			addr, err := sockfab.Resolve(b.ClientHost, b.ClientPort)
			if err != nil {
				return err
			}
			l, err := sockfab.ListenTCP(addr, 16)
			if err != nil {
				return err
			}
			// listeners stay a contiguous block right after the proto
			// slots, ahead of any UDP bridge already added.
			idx := 2 + len(e.listeners)
			e.pfds.Insert(idx, l.FD, sockfab.PollIn)
			e.listeners = append(e.listeners, l)
		case proto.UDP:
			addr, err := sockfab.Resolve(b.ClientHost, b.ClientPort)
			if err != nil {
				return err
			}
			sock, err := sockfab.BindUDP(addr)
			if err != nil {
				return err
			}
			e.pfds.Append(sock.FD, sockfab.PollIn)
			e.udpBridges = append(e.udpBridges, &udpBridge{sock: sock})
		}
		if err := e.send(proto.EncodeConfig(b.Proto, b.ServerPort, b.ServerHost)); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect re-dials the tunnel link and re-runs the handshake offering
// RESUME. Local bridge listeners and UDP sockets are untouched unless the
// server answers FRESH: only the tunnel link and its sub-connections were
// lost.
func (c *clientRole) Reconnect(e *Engine) error {
	e.tcpProto.Close()
	e.udpProto.Close()
	for fd, sock := range e.subSocks {
		sock.Close()
		delete(e.subSocks, fd)
	}
	e.table.Reset()

	if err := c.dialTunnel(e); err != nil {
		return err
	}
	e.installProtoSlots()
	for _, l := range e.listeners {
		e.pfds.Append(l.FD, sockfab.PollIn)
	}
	for _, ub := range e.udpBridges {
		e.pfds.Append(ub.sock.FD, sockfab.PollIn)
	}

	decision, err := c.clientHandshake(e, proto.Resume)
	if err != nil {
		return err
	}
	if decision != proto.Resume {
		// server could not resume: drop every bridge and CONFIG them again.
		for _, l := range e.listeners {
			l.Close()
		}
		e.listeners = nil
		for _, ub := range e.udpBridges {
			ub.sock.Close()
		}
		e.udpBridges = nil
		e.installProtoSlots()
		return c.loadBridges(e)
	}
	return nil
}

func (c *clientRole) HandleConfig(e *Engine, p proto.Protocol, dstPort uint16, host string) error {
	return errors.New("client: unexpected CONFIG from server")
}

func (c *clientRole) HandleConnect(e *Engine, bridge uint16, sk, uk uint64) error {
	return errors.New("client: unexpected CONNECT from server")
}

func (c *clientRole) HandleTCPEstablished(e *Engine, clientSK, clientUK, serverSK uint64) error {
	sub, ok := e.tableLookupEstablished(clientSK, clientUK)
	if !ok {
		return nil // the local side already gave up on this sub-connection
	}
	sub.RemoteKey = serverSK
	sub.Pending = false
	e.pfds.SetEvents(sub.PfdIndex, sockfab.PollIn)
	return nil
}
