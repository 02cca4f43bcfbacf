package proto

import (
	"bytes"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	frame := EncodeConfig(UDP, 7002, "127.0.0.1")
	if OpCode(frame[0]) != CONFIG {
		t.Fatalf("expected CONFIG opcode, got %v", OpCode(frame[0]))
	}
	size := DecodePort(frame[1:3])
	body := frame[3 : 3+int(size)]
	p, port, host, err := DecodeConfigBody(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p != UDP || port != 7002 || host != "127.0.0.1" {
		t.Fatalf("got %v %d %q", p, port, host)
	}
}

func TestMessageTCPRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	frame := EncodeMessageTCP(42, 7, payload)
	if OpCode(frame[0]) != MESSAGE {
		t.Fatalf("expected MESSAGE opcode")
	}
	sk, uk, length, err := DecodeMessageTCPHeader(frame[1:21])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if sk != 42 || uk != 7 || length != uint32(len(payload)) {
		t.Fatalf("got sk=%d uk=%d len=%d", sk, uk, length)
	}
	if !bytes.Equal(frame[21:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestMessageUDPBypassRoundTrip(t *testing.T) {
	payload := []byte("ping")
	frame := EncodeMessageUDPBypass(3, payload)
	if OpCode(frame[0]) != MESSAGE || Protocol(frame[1]) != UDP {
		t.Fatalf("unexpected prefix")
	}
	bridge, length, err := DecodeMessageUDPBypassHeader(frame[2:8])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bridge != 3 || length != uint32(len(payload)) {
		t.Fatalf("got bridge=%d len=%d", bridge, length)
	}
	if !bytes.Equal(frame[8:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestMessageUDPRoundTrip(t *testing.T) {
	payload := []byte("ping")
	frame := EncodeMessageUDP(9, payload)
	bridge, length, err := DecodeMessageUDPHeader(frame[1:7])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bridge != 9 || length != uint32(len(payload)) {
		t.Fatalf("got bridge=%d len=%d", bridge, length)
	}
	if !bytes.Equal(frame[7:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameMessageTCPInPlace(t *testing.T) {
	buf := make([]byte, MessageBufferSize)
	payload := []byte("data")
	copy(buf[TCPMessageHeaderSize:], payload)

	frame := FrameMessageTCP(buf, 42, 7, len(payload))
	if OpCode(frame[0]) != MESSAGE {
		t.Fatalf("expected MESSAGE opcode")
	}
	sk, uk, length, err := DecodeMessageTCPHeader(frame[1:21])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sk != 42 || uk != 7 || length != uint32(len(payload)) {
		t.Fatalf("got sk=%d uk=%d len=%d", sk, uk, length)
	}
	if !bytes.Equal(frame[21:], payload) {
		t.Fatalf("payload mismatch")
	}

	tagged := FrameMessageTCPTagged(buf, 42, 7, len(payload))
	if OpCode(tagged[0]) != MESSAGE || Protocol(tagged[1]) != TCP {
		t.Fatalf("unexpected tagged prefix")
	}
	if !bytes.Equal(tagged[TCPMessageHeaderSize:], payload) {
		t.Fatalf("tagged payload mismatch")
	}
}

func TestFrameMessageUDPInPlace(t *testing.T) {
	buf := make([]byte, MessageBufferSize)
	payload := []byte("ping")
	copy(buf[UDPMessageHeaderSize:], payload)

	frame := FrameMessageUDP(buf, 3, len(payload))
	if OpCode(frame[0]) != MESSAGE {
		t.Fatalf("expected MESSAGE opcode")
	}
	bridge, length, err := DecodeMessageUDPHeader(frame[1:7])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bridge != 3 || length != uint32(len(payload)) {
		t.Fatalf("got bridge=%d len=%d", bridge, length)
	}
	if !bytes.Equal(frame[7:], payload) {
		t.Fatalf("payload mismatch")
	}

	bypassFrame := FrameMessageUDPBypass(buf, 3, len(payload))
	if OpCode(bypassFrame[0]) != MESSAGE || Protocol(bypassFrame[1]) != UDP {
		t.Fatalf("unexpected bypass prefix")
	}
	if !bytes.Equal(bypassFrame[UDPMessageHeaderSize:], payload) {
		t.Fatalf("bypass payload mismatch")
	}
}

func TestConnectRoundTrip(t *testing.T) {
	frame := EncodeConnect(5, 100, 200)
	bridge, sk, uk, err := DecodeConnectBody(frame[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bridge != 5 || sk != 100 || uk != 200 {
		t.Fatalf("got bridge=%d sk=%d uk=%d", bridge, sk, uk)
	}
}

func TestTCPEstablishedRoundTrip(t *testing.T) {
	frame := EncodeTCPEstablished(1, 2, 3)
	csk, cuk, ssk, err := DecodeTCPEstablishedBody(frame[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if csk != 1 || cuk != 2 || ssk != 3 {
		t.Fatalf("got %d %d %d", csk, cuk, ssk)
	}
}

func TestTCPDisconnectedRoundTrip(t *testing.T) {
	frame := EncodeTCPDisconnected(11, 22)
	sk, uk, err := DecodeTCPDisconnectedBody(frame[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sk != 11 || uk != 22 {
		t.Fatalf("got %d %d", sk, uk)
	}
}

func TestReadOpCodeChannelEnforcement(t *testing.T) {
	cases := []struct {
		op         OpCode
		tcpChannel bool
		wantErr    bool
	}{
		{CONFIG, true, false},
		{CONFIG, false, true},
		{UDPConnected, false, false},
		{UDPConnected, true, true},
		{NOP, true, false},
		{NOP, false, false},
		{Establish, true, false},
		{Establish, false, true},
	}
	for _, c := range cases {
		r := bytes.NewReader([]byte{byte(c.op)})
		_, err := ReadOpCode(r, c.tcpChannel)
		if (err != nil) != c.wantErr {
			t.Errorf("opcode=%v tcpChannel=%v: err=%v wantErr=%v", c.op, c.tcpChannel, err, c.wantErr)
		}
	}
}

func TestReadOpCodeUnknown(t *testing.T) {
	r := bytes.NewReader([]byte{255})
	_, err := ReadOpCode(r, true)
	if err == nil {
		t.Fatalf("expected error for unknown opcode")
	}
}
