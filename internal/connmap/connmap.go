// Package connmap implements the connection table mapping a sub-connection
// identity (ComKey) to its live TCP socket and poll-slot back-reference.
package connmap

// ComKey is the wire identity of a sub-connection: the originating peer's
// local socket descriptor (SK) paired with the client-assigned monotonic
// disambiguator (UK).
type ComKey struct {
	SK uint64
	UK uint64
}

// SubConnection is a live per-flow TCP entity belonging to a TCP bridge.
//
// RemoteKey is the *far side's* SK for this flow: the value this peer must
// put in the sk field of outbound MESSAGE/TCP_DISCONNECTED frames so the
// far side can find the entry in its own table, which is always keyed by
// its own local fd. It is the zero value until the peer's
// CONNECT/TCP_ESTABLISHED exchange supplies it (the PENDING state).
type SubConnection struct {
	FD        int
	UK        uint64
	RemoteKey uint64
	PfdIndex  int
	Pending   bool
}

// Table maps a ComKey to its SubConnection, and separately indexes by SK
// alone for the hangup path where only the local fd is known. A peer's
// own SK is its local socket fd, unique among currently-live
// sub-connections, so the two indices never collide.
type Table struct {
	byKey map[ComKey]*SubConnection
	bySK  map[uint64]*SubConnection
}

func New() *Table {
	return &Table{
		byKey: make(map[ComKey]*SubConnection),
		bySK:  make(map[uint64]*SubConnection),
	}
}

// Insert adds sub under key. sub.FD must equal key.SK.
func (t *Table) Insert(key ComKey, sub *SubConnection) {
	t.byKey[key] = sub
	t.bySK[key.SK] = sub
}

// Lookup finds a sub-connection by its full ComKey.
func (t *Table) Lookup(key ComKey) (*SubConnection, bool) {
	sub, ok := t.byKey[key]
	return sub, ok
}

// LookupBySK finds a sub-connection knowing only the local fd, used when a
// hangup is observed on a poll slot and the UK isn't directly at hand.
func (t *Table) LookupBySK(sk uint64) (*SubConnection, bool) {
	sub, ok := t.bySK[sk]
	return sub, ok
}

// Erase removes the entry for key, returning the removed sub-connection,
// or nil if not present so that a double TCP_DISCONNECTED stays a no-op.
func (t *Table) Erase(key ComKey) *SubConnection {
	sub, ok := t.byKey[key]
	if !ok {
		return nil
	}
	delete(t.byKey, key)
	delete(t.bySK, key.SK)
	return sub
}

// EraseBySK removes the entry for a bare local fd, mirroring Erase for the
// hangup path.
func (t *Table) EraseBySK(sk uint64) *SubConnection {
	sub, ok := t.bySK[sk]
	if !ok {
		return nil
	}
	delete(t.bySK, sk)
	delete(t.byKey, ComKey{SK: sk, UK: sub.UK})
	return sub
}

// Len reports the number of live sub-connections.
func (t *Table) Len() int { return len(t.byKey) }

// Reset clears the table, used when a reconnect discards all sub-connection
// state.
func (t *Table) Reset() {
	t.byKey = make(map[ComKey]*SubConnection)
	t.bySK = make(map[uint64]*SubConnection)
}
