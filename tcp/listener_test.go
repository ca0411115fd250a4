package tcp

import (
	"encoding/binary"
	"testing"

	"github.com/aipstack-go/aipstack/clock"
)

type fakeClock struct {
	now clock.Ticks
}

func (f *fakeClock) Now() clock.Ticks  { return f.now }
func (f *fakeClock) Frequency() uint32 { return 1 }

type testPool struct {
	conns    []Conn
	acquired []bool
	nextISS  Value
}

func newTestPool(t *testing.T, n int) *testPool {
	t.Helper()
	p := &testPool{conns: make([]Conn, n), acquired: make([]bool, n)}
	for i := range p.conns {
		err := p.conns[i].Configure(ConnConfig{
			RxBuf:             make([]byte, 2048),
			TxBuf:             make([]byte, 2048),
			TxPacketQueueSize: 3,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func (p *testPool) GetTCP() (*Conn, any, Value) {
	for i := range p.conns {
		if !p.acquired[i] {
			p.acquired[i] = true
			p.nextISS += 1000
			return &p.conns[i], i, p.nextISS
		}
	}
	return nil, nil, 0
}

func (p *testPool) PutTCP(conn *Conn) {
	for i := range p.conns {
		if &p.conns[i] == conn {
			p.conns[i].Abort()
			p.acquired[i] = false
			return
		}
	}
	panic("foreign conn returned to pool")
}

func (p *testPool) free() (n int) {
	for i := range p.acquired {
		if !p.acquired[i] {
			n++
		}
	}
	return n
}

// rawSYN builds an IPv4 carrier with a bare TCP SYN at offset 20.
func rawSYN(srcIP byte, srcPort, dstPort uint16, seq Value) []byte {
	buf := make([]byte, 40)
	buf[0] = 0x45
	buf[9] = 6
	copy(buf[12:16], []byte{10, 0, 0, srcIP})
	copy(buf[16:20], []byte{10, 0, 0, 200})
	binary.BigEndian.PutUint16(buf[20:], srcPort)
	binary.BigEndian.PutUint16(buf[22:], dstPort)
	binary.BigEndian.PutUint32(buf[24:], uint32(seq))
	buf[32] = 0x50
	buf[33] = byte(FlagSYN)
	return buf
}

func TestListenerQueueAging(t *testing.T) {
	const serverPort = 80
	const timeout = 5
	var listener Listener
	clk := &fakeClock{now: 1}
	pool := newTestPool(t, 2)
	if err := listener.Reset(serverPort, pool); err != nil {
		t.Fatal(err)
	}
	listener.SetClock(clk)
	listener.SetQueueLimits(2, timeout)

	// Two peers send SYNs and never complete the handshake.
	if err := listener.Demux(rawSYN(1, 1111, serverPort, 100), 20); err != nil {
		t.Fatal("syn1:", err)
	}
	clk.now++
	if err := listener.Demux(rawSYN(2, 2222, serverPort, 200), 20); err != nil {
		t.Fatal("syn2:", err)
	}
	if pool.free() != 0 {
		t.Fatalf("pool free = %d, want 0 after two half-opens", pool.free())
	}

	// One tick short of the first entry's deadline nothing is evicted.
	clk.now = 1 + timeout - 1
	if evicted := listener.Tick(clk.now); evicted != 0 {
		t.Fatalf("early tick evicted %d", evicted)
	}

	// Past both deadlines, both half-open handshakes are reclaimed.
	clk.now = 2 + timeout
	if evicted := listener.Tick(clk.now); evicted != 2 {
		t.Fatalf("tick evicted %d, want 2", evicted)
	}
	if pool.free() != 2 {
		t.Fatalf("pool free = %d, want 2 after aging", pool.free())
	}

	// A third peer can now start its handshake.
	if err := listener.Demux(rawSYN(3, 3333, serverPort, 300), 20); err != nil {
		t.Fatal("syn3 after aging:", err)
	}
	if pool.free() != 1 {
		t.Fatalf("pool free = %d, want 1", pool.free())
	}
}
