// Package config handles rallonge's two configuration surfaces: the
// client's bridge list, and an optional JSON file overriding the
// operational tunables the CLI flags default.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/redclem/rallonge/internal/proto"
)

// Bridge is a configured forwarding rule: a source endpoint on the client
// and a destination endpoint on the server, immutable for the life of a
// tunnel session.
type Bridge struct {
	Index      uint16
	Proto      proto.Protocol
	ClientHost string
	ClientPort uint16
	ServerHost string
	ServerPort uint16
}

// ParseBridges reads the client's bridge config file: one
// "proto chost cport shost sport" line per bridge, EOF-terminated. Any
// unknown token is a fatal parse error.
func ParseBridges(r io.Reader) ([]Bridge, error) {
	scanner := bufio.NewScanner(r)
	var bridges []Bridge
	var idx uint16
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, errors.Errorf("config line %d: expected 5 fields, got %d", lineNo, len(fields))
		}

		var p proto.Protocol
		switch fields[0] {
		case "tcp":
			p = proto.TCP
		case "udp":
			p = proto.UDP
		default:
			return nil, errors.Errorf("config line %d: unknown protocol %q", lineNo, fields[0])
		}

		cport, err := parsePort(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "config line %d: client port", lineNo)
		}
		sport, err := parsePort(fields[4])
		if err != nil {
			return nil, errors.Wrapf(err, "config line %d: server port", lineNo)
		}

		bridges = append(bridges, Bridge{
			Index:      idx,
			Proto:      p,
			ClientHost: fields[1],
			ClientPort: cport,
			ServerHost: fields[3],
			ServerPort: sport,
		})
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return bridges, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
