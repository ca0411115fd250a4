package internet

import (
	"net/netip"
	"testing"

	"github.com/aipstack-go/aipstack/tcp"
)

func TestStackPortsEphemeralPort(t *testing.T) {
	var sp StackPorts
	if err := sp.ResetTCP(4); err != nil {
		t.Fatal(err)
	}
	p1, err := sp.EphemeralPort()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := sp.EphemeralPort()
	if err != nil {
		t.Fatal(err)
	}
	if p1 < ephemeralPortLo || p2 < ephemeralPortLo {
		t.Fatalf("ports %d,%d below dynamic range", p1, p2)
	}
	if p1 == p2 {
		t.Fatalf("successive allocations returned the same port %d", p1)
	}

	// A port held by a registered node is skipped.
	taken := sp.nextEphemeral
	var listener tcp.Listener
	pool := newMockTCPPool(1, 3, 2048)
	if err := listener.Reset(taken, pool); err != nil {
		t.Fatal(err)
	}
	if err := sp.Register(&listener); err != nil {
		t.Fatal(err)
	}
	p3, err := sp.EphemeralPort()
	if err != nil {
		t.Fatal(err)
	}
	if p3 == taken {
		t.Fatalf("allocator handed out registered port %d", taken)
	}
}

func TestStackPortsOpenActiveTCP(t *testing.T) {
	var sp StackPorts
	if err := sp.ResetTCP(4); err != nil {
		t.Fatal(err)
	}
	mkconn := func() *tcp.Conn {
		var conn tcp.Conn
		err := conn.Configure(tcp.ConnConfig{
			RxBuf:             make([]byte, 2048),
			TxBuf:             make([]byte, 2048),
			TxPacketQueueSize: 3,
		})
		if err != nil {
			t.Fatal(err)
		}
		return &conn
	}
	remote := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 2}), 80)

	conn1 := mkconn()
	if err := sp.OpenActiveTCP(conn1, remote, 100); err != nil {
		t.Fatal(err)
	}
	if conn1.LocalPort() < ephemeralPortLo {
		t.Fatalf("local port %d outside dynamic range", conn1.LocalPort())
	}
	conn2 := mkconn()
	if err := sp.OpenActiveTCP(conn2, remote, 200); err != nil {
		t.Fatal(err)
	}
	if conn1.LocalPort() == conn2.LocalPort() {
		t.Fatalf("both active opens share local port %d", conn1.LocalPort())
	}
}
