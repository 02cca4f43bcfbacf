package engine

import (
	"log"

	"github.com/pkg/errors"

	"github.com/redclem/rallonge/internal/connmap"
	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/snmpstat"
	"github.com/redclem/rallonge/internal/sockfab"
)

// serverRole is the server side of RoleHooks: it listens for the client's
// proto-TCP connection, dials TCP bridge destinations on CONNECT, and
// relays UDP bridges to fixed configured destinations. One Engine handles
// one client session at a time; Reconnect accepts the next connection on
// the same listener.
type serverRole struct {
	listenAddr *sockfab.Address
	udpBind    *sockfab.Address
	listener   *sockfab.Socket
}

// NewServer builds an Engine in the server role, listening at
// (bindHost, bindPort) for the client's proto-TCP connection and binding
// its own proto-UDP socket at (bindHost, udpPort) (0 for an ephemeral
// port).
func NewServer(bindHost string, bindPort uint16, udpPort uint16, logger *log.Logger, stats *snmpstat.Stats) (*Engine, error) {
	listenAddr, err := sockfab.Resolve(bindHost, bindPort)
	if err != nil {
		return nil, err
	}
	l, err := sockfab.ListenTCP(listenAddr, 16)
	if err != nil {
		return nil, errors.Wrap(err, "listen proto-tcp")
	}
	// listenAddr's port may have been 0; re-resolve against what the OS
	// actually bound so a reconnecting client always reaches the right
	// listener and so tests can read it back before Run.
	boundPort, err := l.LocalPort()
	if err != nil {
		l.Close()
		return nil, err
	}
	listenAddr = listenAddr.WithPort(boundPort)
	udpBind := listenAddr.WithPort(udpPort)
	s := &serverRole{listenAddr: listenAddr, udpBind: udpBind, listener: l}
	return New(s, true, logger, stats), nil
}

// ListenPort reports the port the server's proto-TCP listener is bound
// to, useful when NewServer was given port 0.
func (e *Engine) ListenPort() uint16 {
	s := e.hooks.(*serverRole)
	return s.listenAddr.Port()
}

func (s *serverRole) Initiate(e *Engine) error {
	return s.acceptSession(e, false)
}

// Reconnect accepts the next client connection on the same listener. The
// server grants a RESUME request only while it is itself mid-reconnect
// and still holds bridge state; it has no way to tell one client apart
// from another, so a RESUME from a different peer than the one that was
// lost would silently inherit the old bridges.
func (s *serverRole) Reconnect(e *Engine) error {
	return s.acceptSession(e, true)
}

func (s *serverRole) acceptSession(e *Engine, isReconnect bool) error {
	if isReconnect {
		e.tcpProto.Close()
		e.udpProto.Close()
		e.udpProto = nil
		for fd, sock := range e.subSocks {
			sock.Close()
			delete(e.subSocks, fd)
		}
		e.table.Reset()
	}

	conn, err := s.listener.Accept()
	if err != nil {
		return errors.Wrap(err, "accept proto-tcp")
	}
	e.tcpProto = conn

	if err := e.exchangeEstablish(); err != nil {
		return err
	}
	reqKind, err := e.recvByte()
	if err != nil {
		return err
	}
	canResume := isReconnect && (len(e.tcpDest) > 0 || len(e.udpBridges) > 0)
	decision := proto.Fresh
	if proto.ConnKind(reqKind) == proto.Resume && canResume {
		decision = proto.Resume
	}
	if err := e.sendByte(byte(decision)); err != nil {
		return err
	}

	// the client's bypass choice is authoritative; echo it back.
	reqBypass, err := e.recvByte()
	if err != nil {
		return err
	}
	e.bypass = proto.Bypass(reqBypass) == proto.DoBypass
	if err := e.sendByte(reqBypass); err != nil {
		return err
	}

	if !e.bypass {
		localUDP, err := sockfab.BindUDP(s.udpBind)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "bind proto-udp")
		}
		e.udpProto = localUDP
		peerAddr, err := conn.PeerAddress()
		if err != nil {
			return err
		}
		peerUDP, err := e.announceUDPPort(peerAddr)
		if err != nil {
			return err
		}
		e.peerUDP = peerUDP
	}

	e.installProtoSlots()
	for _, ub := range e.udpBridges {
		e.pfds.Append(ub.sock.FD, sockfab.PollIn)
	}

	if err := e.performUDPHandshake(); err != nil {
		return err
	}

	if decision == proto.Fresh {
		for _, ub := range e.udpBridges {
			ub.sock.Close()
		}
		e.udpBridges = nil
		e.tcpDest = nil
		e.installProtoSlots()
	}
	return nil
}

// HandleConfig registers a bridge destination. TCP bridges
// get no poll slot of their own — a TCP bridge becomes a socket only once
// CONNECT dials it — while a UDP bridge's relay socket is created and
// polled immediately.
func (s *serverRole) HandleConfig(e *Engine, p proto.Protocol, dstPort uint16, host string) error {
	switch p {
	case proto.TCP:
		addr, err := sockfab.Resolve(host, dstPort)
		if err != nil {
			return err
		}
		e.tcpDest = append(e.tcpDest, addr)
	case proto.UDP:
		destAddr, err := sockfab.Resolve(host, dstPort)
		if err != nil {
			return err
		}
		sock, err := sockfab.BindUDP(sockfab.Wildcard(0))
		if err != nil {
			return err
		}
		e.pfds.Append(sock.FD, sockfab.PollIn)
		e.udpBridges = append(e.udpBridges, &udpBridge{sock: sock, destAddr: destAddr})
	default:
		return errors.Errorf("server: unknown bridge protocol %d", p)
	}
	return nil
}

// HandleConnect dials the bridge's configured destination and, on
// success, registers the new sub-connection and replies TCP_ESTABLISHED;
// a refused dial replies TCP_DISCONNECTED instead.
func (s *serverRole) HandleConnect(e *Engine, bridge uint16, clientSK, uk uint64) error {
	if int(bridge) >= len(e.tcpDest) {
		return errors.Errorf("server: CONNECT for unknown bridge %d", bridge)
	}
	dialSock, err := sockfab.DialTCP(e.tcpDest[bridge])
	if err != nil {
		if sockfab.IsConnRefused(err) {
			return e.send(proto.EncodeTCPDisconnected(clientSK, uk))
		}
		return err
	}
	idx := e.pfds.Append(dialSock.FD, sockfab.PollIn)
	sub := &connmap.SubConnection{FD: dialSock.FD, UK: uk, PfdIndex: idx, RemoteKey: clientSK}
	e.table.Insert(connmap.ComKey{SK: uint64(dialSock.FD), UK: uk}, sub)
	e.subSocks[dialSock.FD] = dialSock
	e.Stats.SubConnOpened.Add(1)
	return e.send(proto.EncodeTCPEstablished(clientSK, uk, uint64(dialSock.FD)))
}

func (s *serverRole) HandleTCPEstablished(e *Engine, clientSK, clientUK, serverSK uint64) error {
	return errors.New("server: unexpected TCP_ESTABLISHED from client")
}
