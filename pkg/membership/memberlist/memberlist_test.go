package memberlist

import (
	"context"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	base "github.com/WALL-EEEEEEE/aeron/pkg/membership"
)

func freePort(t *testing.T) int {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer a.Close()
	return a.LocalAddr().(*net.UDPAddr).Port
}

func TestGossipStartLocal(t *testing.T) {
	p := freePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p))
	meta := map[string]string{base.MetaRaftAddr: "127.0.0.1:9521", base.MetaMgmtAddr: "127.0.0.1:17946"}
	m, err := New(Options{NodeID: "t1", Bind: addr, Advertise: addr, Logger: log.Default(), Meta: meta, ProbeInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	local := m.Local()
	if local.ID != "t1" {
		t.Fatalf("local id = %q, want t1", local.ID)
	}
	if local.RaftAddr() != "127.0.0.1:9521" {
		t.Fatalf("raft meta = %q", local.RaftAddr())
	}
	if local.MgmtAddr() != "127.0.0.1:17946" {
		t.Fatalf("mgmt meta = %q", local.MgmtAddr())
	}

	if hr, ok := m.(base.HealthReporter); !ok {
		t.Fatal("impl does not implement HealthReporter")
	} else if s := hr.HealthScore(); s < -1 {
		t.Fatalf("unexpected health score: %d", s)
	}
}

func TestGossipMultiNodeJoinLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1, addr1 := startGossip(t, ctx, "n1")
	defer n1.Stop()

	n2, _ := startGossip(t, ctx, "n2")
	defer n2.Stop()
	if err := n2.Join([]string{addr1}); err != nil {
		t.Fatalf("n2 join: %v", err)
	}

	n3, _ := startGossip(t, ctx, "n3")
	defer n3.Stop()
	if err := n3.Join([]string{addr1}); err != nil {
		t.Fatalf("n3 join: %v", err)
	}

	awaitMembers(t, n1, 3, 5*time.Second)
	awaitMembers(t, n2, 3, 5*time.Second)
	awaitMembers(t, n3, 3, 5*time.Second)

	_ = n2.Leave()
	_ = n2.Stop()

	awaitMembers(t, n1, 2, 5*time.Second)
	awaitMembers(t, n3, 2, 5*time.Second)
}

func startGossip(t *testing.T, ctx context.Context, id string) (base.Membership, string) {
	t.Helper()
	m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", Logger: log.Default(), ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
	if err != nil {
		t.Fatalf("new %s: %v", id, err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	la := m.Local().Addr
	if la == "" {
		t.Fatalf("local addr empty for %s", id)
	}
	return m, la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := m.Members()
		if len(got) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("members timeout: got=%d want=%d list=%v", len(got), want, got)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
