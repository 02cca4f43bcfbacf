package config

import (
	"strings"
	"testing"

	"github.com/redclem/rallonge/internal/proto"
)

func TestParseBridges(t *testing.T) {
	input := "tcp 127.0.0.1 7001 127.0.0.1 7002\nudp 127.0.0.1 7003 127.0.0.1 7004\n"
	bridges, err := ParseBridges(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseBridges: %v", err)
	}
	if len(bridges) != 2 {
		t.Fatalf("expected 2 bridges, got %d", len(bridges))
	}
	if bridges[0].Proto != proto.TCP || bridges[0].Index != 0 {
		t.Errorf("bridge 0: %+v", bridges[0])
	}
	if bridges[0].ClientPort != 7001 || bridges[0].ServerPort != 7002 {
		t.Errorf("bridge 0 ports: %+v", bridges[0])
	}
	if bridges[1].Proto != proto.UDP || bridges[1].Index != 1 {
		t.Errorf("bridge 1: %+v", bridges[1])
	}
}

func TestParseBridgesUnknownProtocol(t *testing.T) {
	_, err := ParseBridges(strings.NewReader("sctp 127.0.0.1 1 127.0.0.1 2\n"))
	if err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestParseBridgesBadFieldCount(t *testing.T) {
	_, err := ParseBridges(strings.NewReader("tcp 127.0.0.1 7001\n"))
	if err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestParseBridgesIgnoresBlankLines(t *testing.T) {
	input := "\ntcp 127.0.0.1 7001 127.0.0.1 7002\n\n"
	bridges, err := ParseBridges(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseBridges: %v", err)
	}
	if len(bridges) != 1 {
		t.Fatalf("expected 1 bridge, got %d", len(bridges))
	}
}
