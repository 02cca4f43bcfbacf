package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/sockfab"
)

// sendByte/recvByte move the handshake's un-prefixed single-byte fields
// (ConnKind/Bypass bytes): these never carry an opcode, unlike every
// frame exchanged once the main loop starts.
func (e *Engine) sendByte(b byte) error {
	return e.tcpProto.Send([]byte{b})
}

func (e *Engine) recvByte() (byte, error) {
	var buf [1]byte
	if err := e.tcpProto.RecvAll(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// exchangeEstablish is the ping/pong barrier that opens a handshake: send
// ESTABLISH, then block for the peer's own ESTABLISH before either side
// assumes the other is ready to read handshake bytes. The server drains
// byte by byte until the marker arrives, discarding whatever a prior
// connection may have left in flight on the stream.
func (e *Engine) exchangeEstablish() error {
	if err := e.tcpProto.Send(proto.EncodeEstablish()); err != nil {
		return err
	}
	if e.IsServer {
		for {
			b, err := e.recvByte()
			if err != nil {
				return errors.Wrap(err, "establish barrier")
			}
			if proto.OpCode(b) == proto.Establish {
				return nil
			}
		}
	}
	op, err := proto.ReadOpCode(sockReader{e.tcpProto}, true)
	if err != nil {
		return errors.Wrap(err, "establish barrier")
	}
	if op != proto.Establish {
		return errors.Errorf("establish barrier: got %s", op)
	}
	return nil
}

// announceUDPPort sends this peer's own auxiliary UDP port (learned via
// getsockname since it may have bound to port 0) and reads the peer's,
// returning peerIPAddr with its port replaced by the announced one.
func (e *Engine) announceUDPPort(peerIPAddr *sockfab.Address) (*sockfab.Address, error) {
	localPort, err := e.udpProto.LocalPort()
	if err != nil {
		return nil, err
	}
	if err := e.tcpProto.Send(proto.EncodePort(localPort)); err != nil {
		return nil, err
	}
	var buf [2]byte
	if err := e.tcpProto.RecvAll(buf[:]); err != nil {
		return nil, err
	}
	peerPort := proto.DecodePort(buf[:])
	return peerIPAddr.WithPort(peerPort), nil
}

// performUDPHandshake opens the NAT pinhole in both directions and
// converges on "both peers believe UDP works": each side fires
// NInitialMessages NOP datagrams at the other, switches to UDP_CONNECTED
// once enough datagrams of any kind have come back, and finishes when it
// has both sent and seen a confirmation. Every received datagram counts
// toward the threshold, so a side kept alive only by the peer's repeated
// UDP_CONNECTED still gets there. Retransmits happen on alternate quiet
// poll ticks, gated by the udpEstResend toggle: the NOP batch before
// this side has confirmed, a repeated UDP_CONNECTED after, covering
// loss of either the batch or the confirmation itself.
func (e *Engine) performUDPHandshake() error {
	if e.bypass {
		e.udpEstablished = true
		return nil
	}

	ps := sockfab.NewPollSet()
	ps.Append(e.udpProto.FD, sockfab.PollIn)

	recvd := 0
	weConnected := false
	peerConnected := false
	deadline := time.Now().Add(30 * time.Second)

	sendNOPs := func() error {
		for i := 0; i < proto.NInitialMessages; i++ {
			if err := e.udpProto.SendTo(proto.EncodeNOP(), e.peerUDP); err != nil {
				return err
			}
		}
		return nil
	}
	if err := sendNOPs(); err != nil {
		return err
	}

	for !weConnected || !peerConnected {
		if time.Now().After(deadline) {
			return errors.New("engine: udp handshake timed out")
		}
		n, err := ps.Poll(10)
		if err != nil {
			return errors.Wrap(err, "udp handshake poll")
		}
		if n == 0 {
			if e.udpEstResend {
				if !weConnected {
					if err := sendNOPs(); err != nil {
						return err
					}
				} else if err := e.udpProto.SendTo(proto.EncodeUDPConnected(), e.peerUDP); err != nil {
					return err
				}
			}
			e.udpEstResend = !e.udpEstResend
			continue
		}
		nb, _, err := e.udpProto.RecvFrom(e.msgBuf)
		if err != nil {
			if sockfab.IsConnReset(err) {
				continue
			}
			return err
		}
		if nb < 1 {
			continue
		}
		if proto.OpCode(e.msgBuf[0]) == proto.UDPConnected {
			peerConnected = true
		}
		recvd++
		if recvd >= proto.NInitialMessages && !weConnected {
			if err := e.udpProto.SendTo(proto.EncodeUDPConnected(), e.peerUDP); err != nil {
				return err
			}
			weConnected = true
		}
	}

	e.udpEstablished = true
	e.udpRecvCount = recvd
	return nil
}
