package config

import (
	"encoding/json"
	"os"
	"time"
)

// Tunable holds the operational knobs both roles share. CLI flags fill
// it with defaults; an optional JSON file overrides individual fields.
type Tunable struct {
	Log          string `json:"log"`
	Quiet        bool   `json:"quiet"`
	SnmpLog      string `json:"snmplog"`
	SnmpPeriod   int    `json:"snmpperiod"`
	UDPKeepAlive int    `json:"udp_keepalive"`
	TCPKeepAlive int    `json:"tcp_keepalive"`
	TCPTimeout   int    `json:"tcp_timeout"`
	UDPPort      int    `json:"udp_port"`
}

// DefaultTunable returns the stock intervals: TCP keepalive every 2s,
// UDP keepalive every 5s, and a peer declared lost after 4s of silence.
func DefaultTunable() Tunable {
	return Tunable{
		UDPKeepAlive: 5,
		TCPKeepAlive: 2,
		TCPTimeout:   4,
	}
}

func (t Tunable) UDPKeepAliveInterval() time.Duration {
	return time.Duration(t.UDPKeepAlive) * time.Second
}

func (t Tunable) TCPKeepAliveInterval() time.Duration {
	return time.Duration(t.TCPKeepAlive) * time.Second
}

func (t Tunable) TCPTimeoutDuration() time.Duration {
	return time.Duration(t.TCPTimeout) * time.Second
}

// LoadJSONOverride reads path and merges its fields into t: only keys
// present in the document override the caller's defaults, since
// json.Decode leaves absent fields untouched.
func LoadJSONOverride(t *Tunable, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(t)
}
