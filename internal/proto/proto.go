// Package proto implements the wire codec for the tunnel's framed
// protocol: a fixed, opcode-led layout shared by the TCP control/data
// channel (proto-TCP) and the auxiliary UDP channel (proto-UDP). All
// multi-byte integers are little-endian.
package proto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// OpCode is the leading byte of every frame except the handshake-only
// Connection/UDPBypass/port-exchange bytes, which are never opcode-prefixed.
type OpCode uint8

const (
	NOP OpCode = iota
	CONFIG
	MESSAGE
	CONNECT
	UDPConnected
	TCPDisconnected
	TCPEstablished
	TCPTimeout
	Establish
)

func (o OpCode) String() string {
	switch o {
	case NOP:
		return "NOP"
	case CONFIG:
		return "CONFIG"
	case MESSAGE:
		return "MESSAGE"
	case CONNECT:
		return "CONNECT"
	case UDPConnected:
		return "UDP_CONNECTED"
	case TCPDisconnected:
		return "TCP_DISCONNECTED"
	case TCPEstablished:
		return "TCP_ESTABLISHED"
	case TCPTimeout:
		return "TCP_TIMEOUT"
	case Establish:
		return "ESTABLISH"
	default:
		return "UNKNOWN"
	}
}

// Protocol names the kind of a bridge: a stream of TCP sub-connections, or
// datagram UDP.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// ConnKind is the handshake's Connection byte: whether the client is
// proposing a fresh session or asking the server to resume a prior one.
type ConnKind uint8

const (
	Fresh ConnKind = iota
	Resume
)

// Bypass is the handshake's UDPBypass byte: whether UDP datagrams ride the
// TCP channel (BYPASS) instead of a dedicated auxiliary UDP socket.
type Bypass uint8

const (
	NoBypass Bypass = iota
	DoBypass
)

// Header size constants: the leading room a reader must reserve before a
// receive so the outgoing frame header can be written in-place ahead of
// the payload without a second copy.
const (
	TCPMessageHeaderSize = 22
	UDPMessageHeaderSize = 8

	// MessageBufferSize is sized so the longest supported payload plus
	// framing header fits without reallocation.
	MessageBufferSize = 16384 + 8

	// NInitialMessages is the number of NOP datagrams each peer sends
	// during the UDP handshake before switching to UDP_CONNECTED.
	NInitialMessages = 16
)

var (
	// ErrUnknownOpCode is returned when a frame leads with a byte outside
	// the closed opcode set.
	ErrUnknownOpCode = errors.New("proto: unknown opcode")
	// ErrWrongChannel is returned when an opcode legal on one channel
	// arrives on the other (e.g. CONFIG on proto-UDP, UDP_CONNECTED on
	// proto-TCP).
	ErrWrongChannel = errors.New("proto: opcode on wrong channel")
	// ErrMalformed is returned when a frame body doesn't parse (e.g. a
	// CONFIG hostname missing its NUL terminator).
	ErrMalformed = errors.New("proto: malformed frame")
)

// --- encoders ---------------------------------------------------------
//
// Each Encode* function returns a complete frame, opcode byte included
// unless noted otherwise. Callers push the returned bytes directly onto
// the relevant channel.

func EncodeNOP() []byte { return []byte{byte(NOP)} }

func EncodeEstablish() []byte { return []byte{byte(Establish)} }

func EncodeTCPTimeout() []byte { return []byte{byte(TCPTimeout)} }

func EncodeUDPConnected() []byte { return []byte{byte(UDPConnected)} }

// EncodeConnKind/EncodeBypass/EncodePort encode the three handshake fields
// (one byte, one byte, and a two-byte port) that are sent without an
// opcode prefix.
func EncodeConnKind(k ConnKind) []byte { return []byte{byte(k)} }
func EncodeBypass(b Bypass) []byte     { return []byte{byte(b)} }

func EncodePort(port uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], port)
	return buf[:]
}

func DecodePort(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// EncodeConfig builds a CONFIG frame: opcode, u16 size, then size bytes of
// {u8 proto, u16 dst_port, NUL-terminated hostname}.
func EncodeConfig(p Protocol, dstPort uint16, host string) []byte {
	body := make([]byte, 0, 3+len(host)+1)
	body = append(body, byte(p))
	body = binary.LittleEndian.AppendUint16(body, dstPort)
	body = append(body, host...)
	body = append(body, 0)

	out := make([]byte, 0, 3+len(body))
	out = append(out, byte(CONFIG))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	return out
}

// DecodeConfigBody parses the bytes following a CONFIG frame's u16 size
// field (i.e. exactly `size` bytes: proto, port, NUL-terminated host).
func DecodeConfigBody(body []byte) (p Protocol, dstPort uint16, host string, err error) {
	if len(body) < 4 {
		return 0, 0, "", errors.Wrap(ErrMalformed, "CONFIG body too short")
	}
	p = Protocol(body[0])
	dstPort = binary.LittleEndian.Uint16(body[1:3])
	nul := bytes.IndexByte(body[3:], 0)
	if nul < 0 {
		return 0, 0, "", errors.Wrap(ErrMalformed, "CONFIG hostname missing NUL terminator")
	}
	host = string(body[3 : 3+nul])
	return p, dstPort, host, nil
}

// EncodeMessageTCP builds a MESSAGE frame carrying a TCP sub-connection
// payload: opcode, u64 sk, u64 uk, u32 len, payload bytes.
func EncodeMessageTCP(sk, uk uint64, payload []byte) []byte {
	out := make([]byte, 0, TCPMessageHeaderSize+len(payload))
	out = append(out, byte(MESSAGE))
	out = binary.LittleEndian.AppendUint64(out, sk)
	out = binary.LittleEndian.AppendUint64(out, uk)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeMessageTCPHeader parses the 20 bytes following the MESSAGE opcode
// on proto-TCP in non-bypass mode: u64 sk, u64 uk, u32 len.
func DecodeMessageTCPHeader(hdr []byte) (sk, uk uint64, length uint32, err error) {
	if len(hdr) < 20 {
		return 0, 0, 0, errors.Wrap(ErrMalformed, "MESSAGE header too short")
	}
	sk = binary.LittleEndian.Uint64(hdr[0:8])
	uk = binary.LittleEndian.Uint64(hdr[8:16])
	length = binary.LittleEndian.Uint32(hdr[16:20])
	return sk, uk, length, nil
}

// EncodeMessageTCPTagged is EncodeMessageTCP with a leading Protocol(TCP)
// discriminator byte. A session with UDP bypass negotiated carries both
// TCP sub-connection payload and bypassed UDP payload under the same
// MESSAGE opcode on proto-TCP, so every such frame needs the tag to tell
// the two layouts apart; EncodeMessageUDPBypass already carries the
// matching Protocol(UDP) tag.
func EncodeMessageTCPTagged(sk, uk uint64, payload []byte) []byte {
	out := make([]byte, 0, 1+TCPMessageHeaderSize+len(payload))
	out = append(out, byte(MESSAGE), byte(TCP))
	out = binary.LittleEndian.AppendUint64(out, sk)
	out = binary.LittleEndian.AppendUint64(out, uk)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// EncodeMessageUDPBypass builds a MESSAGE frame carrying a bypassed UDP
// datagram over proto-TCP: opcode, Protocol(UDP), u16 bridge, u32 len,
// payload.
func EncodeMessageUDPBypass(bridge uint16, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload))
	out = append(out, byte(MESSAGE), byte(UDP))
	out = binary.LittleEndian.AppendUint16(out, bridge)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeMessageUDPBypassHeader parses the 6 bytes following the MESSAGE
// opcode and its bypass Protocol(UDP) byte, once that byte has been
// confirmed: u16 bridge, u32 len.
func DecodeMessageUDPBypassHeader(hdr []byte) (bridge uint16, length uint32, err error) {
	if len(hdr) < 6 {
		return 0, 0, errors.Wrap(ErrMalformed, "bypass MESSAGE header too short")
	}
	bridge = binary.LittleEndian.Uint16(hdr[0:2])
	length = binary.LittleEndian.Uint32(hdr[2:6])
	return bridge, length, nil
}

// FrameMessageTCP writes a non-bypass proto-TCP MESSAGE header into the
// leading room of buf and returns the complete frame. The payload must
// already sit at buf[TCPMessageHeaderSize : TCPMessageHeaderSize+n]; the
// reserved room lets relay paths frame a received chunk in place without
// copying it.
func FrameMessageTCP(buf []byte, sk, uk uint64, n int) []byte {
	const start = TCPMessageHeaderSize - 21
	buf[start] = byte(MESSAGE)
	binary.LittleEndian.PutUint64(buf[start+1:], sk)
	binary.LittleEndian.PutUint64(buf[start+9:], uk)
	binary.LittleEndian.PutUint32(buf[start+17:], uint32(n))
	return buf[start : TCPMessageHeaderSize+n]
}

// FrameMessageTCPTagged is FrameMessageTCP for a bypass session, where
// every proto-TCP MESSAGE carries a Protocol discriminator byte.
func FrameMessageTCPTagged(buf []byte, sk, uk uint64, n int) []byte {
	buf[0] = byte(MESSAGE)
	buf[1] = byte(TCP)
	binary.LittleEndian.PutUint64(buf[2:], sk)
	binary.LittleEndian.PutUint64(buf[10:], uk)
	binary.LittleEndian.PutUint32(buf[18:], uint32(n))
	return buf[:TCPMessageHeaderSize+n]
}

// FrameMessageUDP writes a proto-UDP MESSAGE header into the leading room
// of buf and returns the complete datagram. The payload must already sit
// at buf[UDPMessageHeaderSize : UDPMessageHeaderSize+n].
func FrameMessageUDP(buf []byte, bridge uint16, n int) []byte {
	const start = UDPMessageHeaderSize - 7
	buf[start] = byte(MESSAGE)
	binary.LittleEndian.PutUint16(buf[start+1:], bridge)
	binary.LittleEndian.PutUint32(buf[start+3:], uint32(n))
	return buf[start : UDPMessageHeaderSize+n]
}

// FrameMessageUDPBypass is FrameMessageUDP for a datagram tunneled over
// proto-TCP instead of the auxiliary UDP channel.
func FrameMessageUDPBypass(buf []byte, bridge uint16, n int) []byte {
	buf[0] = byte(MESSAGE)
	buf[1] = byte(UDP)
	binary.LittleEndian.PutUint16(buf[2:], bridge)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	return buf[:UDPMessageHeaderSize+n]
}

// EncodeMessageUDP builds a MESSAGE frame for the auxiliary UDP channel:
// opcode, u16 bridge, u32 len, payload.
func EncodeMessageUDP(bridge uint16, payload []byte) []byte {
	out := make([]byte, 0, 7+len(payload))
	out = append(out, byte(MESSAGE))
	out = binary.LittleEndian.AppendUint16(out, bridge)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeMessageUDPHeader parses the 6 bytes following the MESSAGE opcode
// on proto-UDP: u16 bridge, u32 len.
func DecodeMessageUDPHeader(hdr []byte) (bridge uint16, length uint32, err error) {
	if len(hdr) < 6 {
		return 0, 0, errors.Wrap(ErrMalformed, "UDP MESSAGE header too short")
	}
	bridge = binary.LittleEndian.Uint16(hdr[0:2])
	length = binary.LittleEndian.Uint32(hdr[2:6])
	return bridge, length, nil
}

// EncodeConnect builds a CONNECT frame: opcode, u16 bridge, u64 sk, u64 uk.
func EncodeConnect(bridge uint16, sk, uk uint64) []byte {
	out := make([]byte, 0, 19)
	out = append(out, byte(CONNECT))
	out = binary.LittleEndian.AppendUint16(out, bridge)
	out = binary.LittleEndian.AppendUint64(out, sk)
	out = binary.LittleEndian.AppendUint64(out, uk)
	return out
}

// DecodeConnectBody parses the 18 bytes following the CONNECT opcode: u16
// bridge, u64 sk, u64 uk.
func DecodeConnectBody(body []byte) (bridge uint16, sk, uk uint64, err error) {
	if len(body) < 18 {
		return 0, 0, 0, errors.Wrap(ErrMalformed, "CONNECT body too short")
	}
	bridge = binary.LittleEndian.Uint16(body[0:2])
	sk = binary.LittleEndian.Uint64(body[2:10])
	uk = binary.LittleEndian.Uint64(body[10:18])
	return bridge, sk, uk, nil
}

// EncodeTCPEstablished builds a TCP_ESTABLISHED frame: opcode, u64
// client_sk, u64 client_uk, u64 server_sk.
func EncodeTCPEstablished(clientSK, clientUK, serverSK uint64) []byte {
	out := make([]byte, 0, 25)
	out = append(out, byte(TCPEstablished))
	out = binary.LittleEndian.AppendUint64(out, clientSK)
	out = binary.LittleEndian.AppendUint64(out, clientUK)
	out = binary.LittleEndian.AppendUint64(out, serverSK)
	return out
}

// DecodeTCPEstablishedBody parses the 24 bytes following the
// TCP_ESTABLISHED opcode: u64 client_sk, u64 client_uk, u64 server_sk.
func DecodeTCPEstablishedBody(body []byte) (clientSK, clientUK, serverSK uint64, err error) {
	if len(body) < 24 {
		return 0, 0, 0, errors.Wrap(ErrMalformed, "TCP_ESTABLISHED body too short")
	}
	clientSK = binary.LittleEndian.Uint64(body[0:8])
	clientUK = binary.LittleEndian.Uint64(body[8:16])
	serverSK = binary.LittleEndian.Uint64(body[16:24])
	return clientSK, clientUK, serverSK, nil
}

// EncodeTCPDisconnected builds a TCP_DISCONNECTED frame: opcode, u64 sk,
// u64 uk.
func EncodeTCPDisconnected(sk, uk uint64) []byte {
	out := make([]byte, 0, 17)
	out = append(out, byte(TCPDisconnected))
	out = binary.LittleEndian.AppendUint64(out, sk)
	out = binary.LittleEndian.AppendUint64(out, uk)
	return out
}

// DecodeTCPDisconnectedBody parses the 16 bytes following the
// TCP_DISCONNECTED opcode: u64 sk, u64 uk.
func DecodeTCPDisconnectedBody(body []byte) (sk, uk uint64, err error) {
	if len(body) < 16 {
		return 0, 0, errors.Wrap(ErrMalformed, "TCP_DISCONNECTED body too short")
	}
	sk = binary.LittleEndian.Uint64(body[0:8])
	uk = binary.LittleEndian.Uint64(body[8:16])
	return sk, uk, nil
}

// ReadOpCode reads a single leading opcode byte from r, validating it
// against the given channel's legal set.
func ReadOpCode(r io.Reader, tcpChannel bool) (OpCode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	op := OpCode(b[0])
	if op > Establish {
		return op, errors.Wrapf(ErrUnknownOpCode, "0x%02x", b[0])
	}
	if !validOnChannel(op, tcpChannel) {
		return op, errors.Wrapf(ErrWrongChannel, "opcode %s", op)
	}
	return op, nil
}

func validOnChannel(op OpCode, tcpChannel bool) bool {
	switch op {
	case NOP, MESSAGE:
		return true
	case TCPDisconnected, TCPEstablished, CONNECT, CONFIG, TCPTimeout, Establish:
		return tcpChannel
	case UDPConnected:
		return !tcpChannel
	default:
		return false
	}
}
