// Package snmpstat tracks a small set of atomic counters describing
// tunnel activity, and can dump them periodically to a CSV file.
package snmpstat

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Stats holds the counters. Zero value is ready to use.
type Stats struct {
	FramesSent      atomic.Uint64
	FramesRecv      atomic.Uint64
	BytesRelayedIn  atomic.Uint64
	BytesRelayedOut atomic.Uint64
	SubConnOpened   atomic.Uint64
	SubConnClosed   atomic.Uint64
	Reconnects      atomic.Uint64
	Timeouts        atomic.Uint64
}

func header() []string {
	return []string{
		"FramesSent", "FramesRecv", "BytesRelayedIn", "BytesRelayedOut",
		"SubConnOpened", "SubConnClosed", "Reconnects", "Timeouts",
	}
}

func (s *Stats) row() []string {
	return []string{
		fmt.Sprint(s.FramesSent.Load()),
		fmt.Sprint(s.FramesRecv.Load()),
		fmt.Sprint(s.BytesRelayedIn.Load()),
		fmt.Sprint(s.BytesRelayedOut.Load()),
		fmt.Sprint(s.SubConnOpened.Load()),
		fmt.Sprint(s.SubConnClosed.Load()),
		fmt.Sprint(s.Reconnects.Load()),
		fmt.Sprint(s.Timeouts.Load()),
	}
}

// Snapshot renders a one-line summary, used by the SIGUSR1 diagnostic
// dump.
func (s *Stats) Snapshot() string {
	return fmt.Sprintf("frames(sent=%d recv=%d) bytes(in=%d out=%d) subconn(open=%d closed=%d) reconnects=%d timeouts=%d",
		s.FramesSent.Load(), s.FramesRecv.Load(),
		s.BytesRelayedIn.Load(), s.BytesRelayedOut.Load(),
		s.SubConnOpened.Load(), s.SubConnClosed.Load(),
		s.Reconnects.Load(), s.Timeouts.Load())
}

// Logger periodically appends a CSV row to path. The filename part of
// path is run through time.Now().Format, so a reference-time pattern like
// "snmp-20060102.log" rotates the file daily.
func Logger(stats *Stats, path string, interval int) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}
		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, header()...)); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, stats.row()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
