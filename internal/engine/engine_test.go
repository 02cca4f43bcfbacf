//go:build unix

package engine

import (
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redclem/rallonge/internal/config"
	"github.com/redclem/rallonge/internal/proto"
	"github.com/redclem/rallonge/internal/snmpstat"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeTCPPort: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("freeUDPPort: %v", err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

// udpEchoServer reflects every datagram back to its sender until the
// connection is closed.
func udpEchoServer(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("udpEchoServer: %v", err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			c.WriteToUDP(buf[:n], from)
		}
	}()
	return c, c.LocalAddr().(*net.UDPAddr).Port
}

// pingUntilEcho sends probe datagrams to a local UDP bridge endpoint
// until one makes the round trip, tolerating the setup window during
// which the tunnel discards or cannot yet route them.
func pingUntilEcho(t *testing.T, port int, payload string) string {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial udp bridge: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 2048)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, err := conn.Read(buf)
		if err == nil {
			return string(buf[:n])
		}
	}
	t.Fatalf("no echo from udp bridge within deadline")
	return ""
}

// udpBridgeRoundTrip runs end-to-end scenario shared by the direct-UDP
// and bypass tests: one UDP bridge, a reflecting destination, one
// datagram out and back.
func udpBridgeRoundTrip(t *testing.T, bypass bool) {
	silent := log.New(io.Discard, "", 0)

	echo, echoPort := udpEchoServer(t)
	defer echo.Close()

	clientBridgePort := freeUDPPort(t)

	srv, err := NewServer("127.0.0.1", 0, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	bridges := []config.Bridge{{
		Proto:      proto.UDP,
		ClientHost: "127.0.0.1",
		ClientPort: uint16(clientBridgePort),
		ServerHost: "127.0.0.1",
		ServerPort: uint16(echoPort),
	}}
	cli, err := NewClient("127.0.0.1", srv.ListenPort(), bridges, bypass, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	go srv.Run()
	go cli.Run()

	if got := pingUntilEcho(t, clientBridgePort, "ping"); got != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}
}

func TestClientServerUDPBridgeRoundTrip(t *testing.T) {
	udpBridgeRoundTrip(t, false)
}

func TestClientServerUDPBypassRoundTrip(t *testing.T) {
	udpBridgeRoundTrip(t, true)
}

// TestRefusedDialTearsDownSubConn points a TCP bridge at a port nothing
// listens on: the server's refused dial must come back as
// TCP_DISCONNECTED and close the client's local connection.
func TestRefusedDialTearsDownSubConn(t *testing.T) {
	silent := log.New(io.Discard, "", 0)

	clientBridgePort := freeTCPPort(t)
	deadPort := freeTCPPort(t)

	srv, err := NewServer("127.0.0.1", 0, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	bridges := []config.Bridge{{
		Proto:      proto.TCP,
		ClientHost: "127.0.0.1",
		ClientPort: uint16(clientBridgePort),
		ServerHost: "127.0.0.1",
		ServerPort: uint16(deadPort),
	}}
	cli, err := NewClient("127.0.0.1", srv.ListenPort(), bridges, false, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	go srv.Run()
	go cli.Run()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(clientBridgePort))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("could not dial client bridge listener: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected the tunnel to close the refused sub-connection")
	}
}

// TestClientServerTCPBridgeRoundTrip wires a client and a server over
// loopback, each handling one TCP bridge, and checks a byte stream placed
// on the client's local listener reaches a destination echo server and
// the reply makes it back.
func TestClientServerTCPBridgeRoundTrip(t *testing.T) {
	silent := log.New(io.Discard, "", 0)

	destLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("destLn: %v", err)
	}
	defer destLn.Close()
	go func() {
		conn, err := destLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write([]byte(strings.ToUpper(string(buf[:n]))))
	}()
	destPort := destLn.Addr().(*net.TCPAddr).Port

	clientBridgePort := freeTCPPort(t)

	srv, err := NewServer("127.0.0.1", 0, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	serverPort := srv.ListenPort()

	bridges := []config.Bridge{{
		Proto:      proto.TCP,
		ClientHost: "127.0.0.1",
		ClientPort: uint16(clientBridgePort),
		ServerHost: "127.0.0.1",
		ServerPort: uint16(destPort),
	}}
	cli, err := NewClient("127.0.0.1", serverPort, bridges, false, 0, silent, &snmpstat.Stats{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	go srv.Run()
	go cli.Run()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(clientBridgePort))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("could not dial client bridge listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got := string(buf[:n]); got != "HELLO" {
		t.Fatalf("got %q, want %q", got, "HELLO")
	}
}
