//go:build unix

package sockfab

import "testing"

func TestPollSetAppendInsertRemoveSwap(t *testing.T) {
	p := NewPollSet()
	p.Append(10, PollIn)
	p.Append(11, PollIn)
	p.Insert(1, 99, PollIn)

	if p.Len() != 3 {
		t.Fatalf("len = %d, want 3", p.Len())
	}
	if p.FD(0) != 10 || p.FD(1) != 99 || p.FD(2) != 11 {
		t.Fatalf("unexpected fd order: %d %d %d", p.FD(0), p.FD(1), p.FD(2))
	}

	moved, newFD := p.RemoveSwap(0)
	if !moved || newFD != 11 {
		t.Fatalf("RemoveSwap(0) = (%v, %d), want (true, 11)", moved, newFD)
	}
	if p.Len() != 2 || p.FD(0) != 11 || p.FD(1) != 99 {
		t.Fatalf("unexpected state after swap: len=%d fds=%d,%d", p.Len(), p.FD(0), p.FD(1))
	}

	moved, _ = p.RemoveSwap(1)
	if moved {
		t.Errorf("removing the last slot should report moved=false")
	}
	if p.Len() != 1 {
		t.Fatalf("len = %d, want 1", p.Len())
	}
}

func TestPollRoundTripOverLoopback(t *testing.T) {
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
	defer client.Close()
	server, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	ps := NewPollSet()
	ps.Append(server.FD, PollIn)

	if err := client.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n, err := ps.Poll(1000)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll returned %d ready, want 1", n)
	}
	if ps.Revents(0)&PollIn == 0 {
		t.Errorf("expected POLLIN on server slot")
	}
}
