//go:build unix

package sockfab

import "testing"

func TestListenDialAcceptRoundTrip(t *testing.T) {
	addr, err := Resolve("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	l, err := ListenTCP(addr, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	port, err := l.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}

	client, err := DialTCP(addr.WithPort(port))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	server, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 5)
	if err := server.RecvAll(buf); err != nil {
		t.Fatalf("RecvAll: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want %q", buf, "hello")
	}
}

func TestRecvAllHangup(t *testing.T) {
	addr, _ := Resolve("127.0.0.1", 0)
	l, err := ListenTCP(addr, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()
	port, _ := l.LocalPort()

	client, err := DialTCP(addr.WithPort(port))
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	server, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	client.Close()

	buf := make([]byte, 4)
	if err := server.RecvAll(buf); err != ErrHangup {
		t.Errorf("expected ErrHangup, got %v", err)
	}
	server.Close()
}

func TestConnectRefused(t *testing.T) {
	addr, err := Resolve("127.0.0.1", 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	s, err := NewTCPSocket(familyOf(addr))
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer s.Close()
	err = s.Connect(addr)
	if err == nil {
		t.Skip("port 1 unexpectedly accepting connections in this environment")
	}
	if !IsConnRefused(err) {
		t.Errorf("expected IsConnRefused, got %v", err)
	}
}

func TestUDPSendRecv(t *testing.T) {
	addrA, _ := Resolve("127.0.0.1", 0)
	a, err := BindUDP(addrA)
	if err != nil {
		t.Fatalf("BindUDP a: %v", err)
	}
	defer a.Close()
	portA, _ := a.LocalPort()

	addrB, _ := Resolve("127.0.0.1", 0)
	b, err := BindUDP(addrB)
	if err != nil {
		t.Fatalf("BindUDP b: %v", err)
	}
	defer b.Close()

	if err := b.SendTo([]byte("ping"), addrA.WithPort(portA)); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	buf := make([]byte, 16)
	n, from, err := a.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
	if from.Port() == 0 {
		t.Errorf("expected nonzero source port")
	}
}
