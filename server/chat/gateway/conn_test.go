package gateway

import "testing"

func drainFrames(c *Conn) []string {
	var out []string
	for {
		select {
		case f := <-c.send:
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestConnDropsOldestWhenFull(t *testing.T) {
	c := newConn("c1", nil, Config{SendBuffer: 2, SlowClientPolicy: PolicyDropOldest})
	for _, f := range []string{"a", "b", "c"} {
		if !c.Emit([]byte(f)) {
			t.Fatalf("emit %s failed", f)
		}
	}
	got := drainFrames(c)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestConnDisconnectsSlowClient(t *testing.T) {
	c := newConn("c1", nil, Config{SendBuffer: 1, SlowClientPolicy: PolicyDisconnect})
	if !c.Emit([]byte("a")) {
		t.Fatalf("first emit must fit")
	}
	if c.Emit([]byte("b")) {
		t.Fatalf("overflow must fail")
	}
	if !c.closed() {
		t.Fatalf("overflow must close the connection")
	}
	if c.Emit([]byte("c")) {
		t.Fatalf("closed connection must reject frames")
	}
}

func TestConnHoldsDeliveriesUntilReleased(t *testing.T) {
	c := newConn("c1", nil, Config{SendBuffer: 8, SlowClientPolicy: PolicyDropOldest})
	c.Deliver([]byte("live"))
	c.Emit([]byte("queued"))
	c.release()
	c.Deliver([]byte("after"))

	got := drainFrames(c)
	if len(got) != 3 || got[0] != "queued" || got[1] != "live" || got[2] != "after" {
		t.Fatalf("unexpected order %v", got)
	}
}
