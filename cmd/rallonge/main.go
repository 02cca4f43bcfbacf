// Command rallonge runs either side of a TCP/UDP tunnel: a client that
// multiplexes local listeners/UDP sockets over one persistent link, or the
// server that terminates it and forwards to the configured destinations.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/redclem/rallonge/internal/config"
	"github.com/redclem/rallonge/internal/engine"
	"github.com/redclem/rallonge/internal/snmpstat"
)

func main() {
	app := cli.NewApp()
	app.Name = "rallonge"
	app.Usage = "a TCP/UDP tunnel, client and server roles"
	app.Version = "1.0.0"
	app.Commands = []cli.Command{
		clientCommand(),
		serverCommand(),
	}
	if err := app.Run(os.Args); err != nil {
		checkError(err)
	}
}

// tunableFlags are the operational knobs shared by both roles: logging,
// quieting, JSON config override, SNMP-style stats log.
func tunableFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "json", Usage: "path to a JSON file overriding any of the flags below"},
		cli.StringFlag{Name: "log", Usage: "write diagnostic output to this file instead of stderr"},
		cli.BoolFlag{Name: "quiet, q", Usage: "suppress per-sub-connection and startup log lines"},
		cli.StringFlag{Name: "snmplog", Usage: "periodically append relay counters to this CSV file"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "seconds between snmplog rows"},
		cli.IntFlag{Name: "udp-port", Usage: "local port for the auxiliary UDP channel (0 picks an ephemeral port)"},
	}
}

func clientCommand() cli.Command {
	flags := append([]cli.Flag{
		cli.StringFlag{Name: "remoteaddr, r", Usage: "server host:port to connect to"},
		cli.StringFlag{Name: "config, c", Usage: "bridge list file (proto chost cport shost sport per line)"},
		cli.BoolFlag{Name: "udp-bypass, ub", Usage: "tunnel UDP payload inside proto-TCP instead of a dedicated UDP socket"},
	}, tunableFlags()...)
	return cli.Command{
		Name:      "client",
		Usage:     "dial a rallonge server and expose its configured bridges locally",
		ArgsUsage: "[server-host server-port config-file]",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			return runClient(c)
		},
	}
}

func serverCommand() cli.Command {
	flags := append([]cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":9999", Usage: "host:port to accept the client's tunnel connection on"},
	}, tunableFlags()...)
	return cli.Command{
		Name:      "server",
		Usage:     "accept a rallonge client and forward its bridges",
		ArgsUsage: "[tcp-port]",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			return runServer(c)
		},
	}
}

// loadTunable fills a Tunable from the CLI flags, then lets an optional
// --json file override individual fields.
func loadTunable(c *cli.Context) (config.Tunable, error) {
	t := config.DefaultTunable()
	t.Log = c.String("log")
	t.Quiet = c.Bool("quiet")
	t.SnmpLog = c.String("snmplog")
	t.SnmpPeriod = c.Int("snmpperiod")
	t.UDPPort = c.Int("udp-port")
	if j := c.String("json"); j != "" {
		if err := config.LoadJSONOverride(&t, j); err != nil {
			return t, errors.Wrap(err, "loading --json")
		}
	}
	return t, nil
}

func runClient(c *cli.Context) error {
	t, err := loadTunable(c)
	if err != nil {
		return err
	}
	logger, closeLog := openLogger(t.Log)
	defer closeLog()

	// both spellings are accepted: "client host port config-file", or the
	// flag forms below.
	remote := c.String("remoteaddr")
	cfgPath := c.String("config")
	if remote == "" && c.NArg() >= 3 {
		remote = c.Args().Get(0) + ":" + c.Args().Get(1)
		cfgPath = c.Args().Get(2)
	}
	if remote == "" {
		return cli.NewExitError("client: server host/port required (positional or --remoteaddr)", 1)
	}
	if cfgPath == "" {
		return cli.NewExitError("client: bridge config file required (positional or --config)", 1)
	}
	f, err := os.Open(cfgPath)
	if err != nil {
		return errors.Wrap(err, "opening --config")
	}
	bridges, err := config.ParseBridges(f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "parsing --config")
	}

	host, port, err := splitHostPort(remote)
	if err != nil {
		return errors.Wrap(err, "--remoteaddr")
	}

	if c.Bool("udp-bypass") && t.UDPPort != 0 {
		color.Yellow("rallonge: --udp-port has no effect with --udp-bypass; no auxiliary UDP socket will be opened")
	}

	stats := &snmpstat.Stats{}
	go snmpstat.Logger(stats, t.SnmpLog, t.SnmpPeriod)

	e, err := engine.NewClient(host, port, bridges, c.Bool("udp-bypass"), uint16(t.UDPPort), logger, stats)
	if err != nil {
		return errors.Wrap(err, "building client")
	}
	e.ApplyTunable(t)
	e.Quiet = t.Quiet
	installSignalHandler(logger, stats)

	if !e.Quiet {
		logger.Printf("client: dialing %s:%d with %d bridges", host, port, len(bridges))
	}
	return e.Run()
}

func runServer(c *cli.Context) error {
	t, err := loadTunable(c)
	if err != nil {
		return err
	}
	logger, closeLog := openLogger(t.Log)
	defer closeLog()

	// "server 9999" and "server --listen :9999" are equivalent.
	listen := c.String("listen")
	if c.NArg() >= 1 {
		listen = ":" + c.Args().Get(0)
	}
	host, port, err := splitHostPort(listen)
	if err != nil {
		return errors.Wrap(err, "--listen")
	}

	stats := &snmpstat.Stats{}
	go snmpstat.Logger(stats, t.SnmpLog, t.SnmpPeriod)

	e, err := engine.NewServer(host, port, uint16(t.UDPPort), logger, stats)
	if err != nil {
		return errors.Wrap(err, "building server")
	}
	e.ApplyTunable(t)
	e.Quiet = t.Quiet
	installSignalHandler(logger, stats)

	if !e.Quiet {
		logger.Printf("server: listening on %s:%d", host, port)
	}
	return e.Run()
}

func openLogger(path string) (*log.Logger, func()) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			return log.New(f, "", log.LstdFlags), func() { f.Close() }
		}
		color.Yellow("rallonge: could not open --log %s, falling back to stderr: %v", path, err)
	}
	return log.New(os.Stderr, "", log.LstdFlags), func() {}
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := splitLast(hostport, ':')
	if err != nil {
		return "", 0, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, errors.Wrapf(err, "invalid port %q", portStr)
	}
	return host, port, nil
}

func splitLast(s string, sep byte) (string, string, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", errors.Errorf("missing %q in %q", string(sep), s)
}

// checkError prints the full wrapped chain and exits nonzero, nothing
// fancier.
func checkError(err error) {
	if err == nil {
		return
	}
	color.Red("rallonge: %+v", err)
	os.Exit(1)
}
