package engine

import (
	"encoding/binary"
	stderrors "errors"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/redclem/rallonge/internal/connmap"
	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/sockfab"
)

// sockReader adapts sockfab.Socket.Recv to io.Reader so proto.ReadOpCode
// can be used directly against a live connection; io.ReadFull (which
// ReadOpCode calls) already tolerates the short reads a raw Recv can
// return. A zero-byte read from a closed peer is reported as io.EOF.
type sockReader struct{ s *sockfab.Socket }

func (r sockReader) Read(p []byte) (int, error) {
	n, err := r.s.Recv(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// dispatchTCP handles exactly one frame available on proto-TCP. Protocol
// violations are fatal; a plain read failure means the link is gone and
// becomes a session loss.
func (e *Engine) dispatchTCP() error {
	op, err := proto.ReadOpCode(sockReader{e.tcpProto}, true)
	if err != nil {
		if stderrors.Is(err, proto.ErrUnknownOpCode) || stderrors.Is(err, proto.ErrWrongChannel) {
			return errors.Wrap(err, "proto-tcp opcode")
		}
		e.logf("proto-tcp read: %v", err)
		return errSessionLoss
	}
	e.Stats.FramesRecv.Add(1)
	switch op {
	case proto.NOP:
		return nil
	case proto.TCPTimeout:
		return errSessionLoss
	case proto.CONFIG:
		return e.readConfigFrame()
	case proto.CONNECT:
		return e.readConnectFrame()
	case proto.TCPEstablished:
		return e.readTCPEstablishedFrame()
	case proto.TCPDisconnected:
		return e.readTCPDisconnectedFrame()
	case proto.MESSAGE:
		if e.bypass {
			return e.readTaggedMessageFrame()
		}
		return e.readTCPMessageBody()
	default:
		// ESTABLISH belongs to the handshake phase only.
		return errors.Wrapf(proto.ErrWrongChannel, "unexpected %s on established tunnel", op)
	}
}

func (e *Engine) readConfigFrame() error {
	var sz [2]byte
	if err := e.recvTCP(sz[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint16(sz[:])
	if int(n) > len(e.msgBuf) {
		return errors.Wrap(proto.ErrMalformed, "CONFIG body exceeds buffer")
	}
	body := e.msgBuf[:n]
	if err := e.recvTCP(body); err != nil {
		return err
	}
	p, port, host, err := proto.DecodeConfigBody(body)
	if err != nil {
		return err
	}
	return e.hooks.HandleConfig(e, p, port, host)
}

func (e *Engine) readConnectFrame() error {
	buf := e.msgBuf[:18]
	if err := e.recvTCP(buf); err != nil {
		return err
	}
	bridge, sk, uk, err := proto.DecodeConnectBody(buf)
	if err != nil {
		return err
	}
	return e.hooks.HandleConnect(e, bridge, sk, uk)
}

func (e *Engine) readTCPEstablishedFrame() error {
	buf := e.msgBuf[:24]
	if err := e.recvTCP(buf); err != nil {
		return err
	}
	clientSK, clientUK, serverSK, err := proto.DecodeTCPEstablishedBody(buf)
	if err != nil {
		return err
	}
	return e.hooks.HandleTCPEstablished(e, clientSK, clientUK, serverSK)
}

// readTCPDisconnectedFrame tears down the local half of a sub-connection
// the peer has already disconnected. A miss is a no-op: a connection torn
// down on both sides at once is not an error.
func (e *Engine) readTCPDisconnectedFrame() error {
	buf := e.msgBuf[:16]
	if err := e.recvTCP(buf); err != nil {
		return err
	}
	sk, uk, err := proto.DecodeTCPDisconnectedBody(buf)
	if err != nil {
		return err
	}
	key := connmap.ComKey{SK: sk, UK: uk}
	sub, ok := e.table.Lookup(key)
	if !ok {
		if !e.Quiet {
			e.logf("TCP_DISCONNECTED for unknown sub-connection sk=%d uk=%d, ignored", sk, uk)
		}
		return nil
	}
	e.closeLocalSub(key, sub)
	e.removeSlot(sub.PfdIndex)
	return nil
}

func (e *Engine) readTaggedMessageFrame() error {
	var tag [1]byte
	if err := e.recvTCP(tag[:]); err != nil {
		return err
	}
	switch proto.Protocol(tag[0]) {
	case proto.TCP:
		return e.readTCPMessageBody()
	case proto.UDP:
		return e.readBypassUDPBody()
	default:
		return errors.Wrap(proto.ErrMalformed, "unknown MESSAGE tag")
	}
}

// readTCPMessageBody reads the (sk, uk, len, payload) body shared by the
// untagged (non-bypass) and tagged (bypass) TCP MESSAGE layouts and
// relays the payload to the matching local sub-connection.
func (e *Engine) readTCPMessageBody() error {
	hdr := e.msgBuf[:20]
	if err := e.recvTCP(hdr); err != nil {
		return err
	}
	sk, uk, length, err := proto.DecodeMessageTCPHeader(hdr)
	if err != nil {
		return err
	}
	if 20+int(length) > len(e.msgBuf) {
		return errors.Wrap(proto.ErrMalformed, "MESSAGE payload exceeds buffer")
	}
	payload := e.msgBuf[20 : 20+int(length)]
	if err := e.recvTCP(payload); err != nil {
		return err
	}
	key := connmap.ComKey{SK: sk, UK: uk}
	sub, ok := e.table.Lookup(key)
	if !ok {
		// sub-connection already gone locally; discard the payload.
		if !e.Quiet {
			e.logf("MESSAGE for unknown sub-connection sk=%d uk=%d, dropped", sk, uk)
		}
		return nil
	}
	sock := e.subSocks[sub.FD]
	if err := sock.Send(payload); err != nil {
		e.closeLocalSub(key, sub)
		e.removeSlot(sub.PfdIndex)
		return nil
	}
	e.Stats.BytesRelayedOut.Add(uint64(length))
	return nil
}

func (e *Engine) readBypassUDPBody() error {
	hdr := e.msgBuf[:6]
	if err := e.recvTCP(hdr); err != nil {
		return err
	}
	bridge, length, err := proto.DecodeMessageUDPBypassHeader(hdr)
	if err != nil {
		return err
	}
	if 6+int(length) > len(e.msgBuf) {
		return errors.Wrap(proto.ErrMalformed, "bypass MESSAGE payload exceeds buffer")
	}
	payload := e.msgBuf[6 : 6+int(length)]
	if err := e.recvTCP(payload); err != nil {
		return err
	}
	return e.deliverUDP(bridge, payload)
}

// dispatchUDP handles exactly one datagram available on proto-UDP. Only
// reached when the session did not negotiate bypass.
func (e *Engine) dispatchUDP() error {
	n, _, err := e.udpProto.RecvFrom(e.msgBuf)
	if err != nil {
		if sockfab.IsConnReset(err) {
			return nil // ICMP port-unreachable noise, network-transient
		}
		return errors.Wrap(err, "proto-udp recv")
	}
	if n < 1 {
		return nil
	}
	e.Stats.FramesRecv.Add(1)
	switch proto.OpCode(e.msgBuf[0]) {
	case proto.NOP:
		return nil
	case proto.UDPConnected:
		return nil
	case proto.MESSAGE:
		bridge, length, err := proto.DecodeMessageUDPHeader(e.msgBuf[1:n])
		if err != nil {
			return err
		}
		if 7+int(length) > n {
			return errors.Wrap(proto.ErrMalformed, "UDP MESSAGE payload exceeds datagram")
		}
		payload := e.msgBuf[7 : 7+int(length)]
		return e.deliverUDP(bridge, payload)
	default:
		return errors.Wrapf(proto.ErrWrongChannel, "proto-udp opcode 0x%02x", e.msgBuf[0])
	}
}

// deliverUDP writes a relayed UDP payload to the named bridge's local
// socket, addressed to the destination (server) or learned peer (client).
func (e *Engine) deliverUDP(bridge uint16, payload []byte) error {
	if int(bridge) >= len(e.udpBridges) {
		return errors.Errorf("udp bridge %d out of range", bridge)
	}
	ub := e.udpBridges[bridge]
	target := ub.destAddr
	if target == nil {
		target = ub.peerAddr
	}
	if target == nil {
		return nil // client hasn't seen a first local datagram to learn a return address yet
	}
	if err := ub.sock.SendTo(payload, target); err != nil {
		return err
	}
	e.Stats.BytesRelayedOut.Add(uint64(len(payload)))
	return nil
}

// sendUDPPayload relays a locally-read UDP datagram to the peer, over the
// auxiliary channel or tunneled inside a tagged MESSAGE frame when the
// session negotiated bypass. The payload sits at
// msgBuf[UDPMessageHeaderSize : UDPMessageHeaderSize+n], so the frame
// header is written into the reserved leading room with no copy. The
// auxiliary-channel path advances the UDP keepalive timer: a payload
// datagram holds the pinhole open as well as a NOP would. The bypass path
// leaves that timer alone, since a bypass session has no UDP keepalive.
func (e *Engine) sendUDPPayload(bridge uint16, n int) error {
	if e.bypass {
		return e.send(proto.FrameMessageUDPBypass(e.msgBuf, bridge, n))
	}
	if err := e.udpProto.SendTo(proto.FrameMessageUDP(e.msgBuf, bridge, n), e.peerUDP); err != nil {
		return err
	}
	e.Stats.FramesSent.Add(1)
	e.udpKANext = time.Now().Add(e.udpKAInterval)
	return nil
}

// acceptSubConn accepts a new local connection on a client-side bridge
// listener and announces it to the peer with CONNECT. The new
// slot starts with no read events: the tunnel must not relay its data
// until the peer confirms with TCP_ESTABLISHED.
func (e *Engine) acceptSubConn(bridge uint16, l *sockfab.Socket) error {
	conn, err := l.Accept()
	if err != nil {
		return err
	}
	uk := e.nextUK
	e.nextUK++
	idx := e.pfds.Append(conn.FD, 0)
	sub := &connmap.SubConnection{FD: conn.FD, UK: uk, PfdIndex: idx, Pending: true}
	e.table.Insert(connmap.ComKey{SK: uint64(conn.FD), UK: uk}, sub)
	e.subSocks[conn.FD] = conn
	e.Stats.SubConnOpened.Add(1)
	if !e.Quiet {
		e.logf("bridge %d: new sub-connection sk=%d uk=%d", bridge, conn.FD, uk)
	}
	return e.send(proto.EncodeConnect(bridge, uint64(conn.FD), uk))
}

// readLocalUDP relays one datagram read from a local UDP bridge socket to
// the peer.
func (e *Engine) readLocalUDP(bridge uint16, ub *udpBridge) error {
	n, from, err := ub.sock.RecvFrom(e.msgBuf[proto.UDPMessageHeaderSize:])
	if err != nil {
		if sockfab.IsConnReset(err) {
			return nil
		}
		return errors.Wrap(err, "local udp recv")
	}
	if !e.IsServer && ub.peerAddr == nil {
		ub.peerAddr = from
	}
	e.Stats.BytesRelayedIn.Add(uint64(n))
	return e.sendUDPPayload(bridge, n)
}

// readSubConn reads one chunk from an established sub-connection and
// relays it as a MESSAGE frame, or tears the sub-connection down on EOF or
// a poll error/hangup. The bool result reports whether the poll slot at
// idx was removed (swap-and-pop), in which case the caller
// must not advance past idx — whatever was swapped into it needs its own
// turn.
func (e *Engine) readSubConn(idx int) (bool, error) {
	if e.pfds.Revents(idx)&(sockfab.PollErr|sockfab.PollHup) != 0 {
		return e.hangupSubConn(idx)
	}
	fd := e.pfds.FD(idx)
	sub, ok := e.table.LookupBySK(uint64(fd))
	if !ok {
		e.removeSlot(idx)
		return true, nil
	}
	if sub.Pending {
		return false, nil
	}
	sock := e.subSocks[fd]
	n, err := sock.Recv(e.msgBuf[proto.TCPMessageHeaderSize:])
	if err != nil || n == 0 {
		return e.eraseSubConnAt(idx, sub)
	}
	var sendErr error
	if e.bypass {
		sendErr = e.send(proto.FrameMessageTCPTagged(e.msgBuf, sub.RemoteKey, sub.UK, n))
	} else {
		sendErr = e.send(proto.FrameMessageTCP(e.msgBuf, sub.RemoteKey, sub.UK, n))
	}
	if sendErr != nil {
		return false, sendErr
	}
	e.Stats.BytesRelayedIn.Add(uint64(n))
	return false, nil
}

func (e *Engine) hangupSubConn(idx int) (bool, error) {
	fd := e.pfds.FD(idx)
	sub, ok := e.table.LookupBySK(uint64(fd))
	if !ok {
		e.removeSlot(idx)
		return true, nil
	}
	return e.eraseSubConnAt(idx, sub)
}

func (e *Engine) eraseSubConnAt(idx int, sub *connmap.SubConnection) (bool, error) {
	key := connmap.ComKey{SK: uint64(sub.FD), UK: sub.UK}
	pending := sub.Pending
	e.closeLocalSub(key, sub)
	e.removeSlot(idx)
	if pending {
		return true, nil
	}
	if err := e.send(proto.EncodeTCPDisconnected(sub.RemoteKey, sub.UK)); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) closeLocalSub(key connmap.ComKey, sub *connmap.SubConnection) {
	if sock, ok := e.subSocks[sub.FD]; ok {
		sock.Close()
		delete(e.subSocks, sub.FD)
	}
	e.table.Erase(key)
	e.Stats.SubConnClosed.Add(1)
	if !e.Quiet {
		e.logf("sub-connection closed sk=%d uk=%d", sub.FD, sub.UK)
	}
}

// removeSlot pops idx out of the poll vector via swap-and-pop, fixing up
// the PfdIndex back-reference of whatever sub-connection moved into idx.
func (e *Engine) removeSlot(idx int) {
	moved, newFD := e.pfds.RemoveSwap(idx)
	if moved {
		if sub, ok := e.table.LookupBySK(uint64(newFD)); ok {
			sub.PfdIndex = idx
		}
	}
}
