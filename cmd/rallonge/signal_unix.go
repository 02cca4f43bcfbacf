//go:build unix

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redclem/rallonge/internal/snmpstat"
)

// installSignalHandler wires SIGUSR1 to a one-line stats dump, usable
// without --snmplog.
func installSignalHandler(logger *log.Logger, stats *snmpstat.Stats) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)
	go func() {
		for range ch {
			logger.Printf("stats: %s", stats.Snapshot())
		}
	}()
}
