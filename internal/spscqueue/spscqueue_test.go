package spscqueue

import (
	"math/bits"
	"testing"

	"github.com/alephtx/ipc-core/internal/layout"
)

func newTestQueue(t *testing.T, numSlots uint32) (*ProducerEnd, *ConsumerEnd) {
	t.Helper()
	lay := layout.New(layout.Config{
		NumSlots:             numSlots,
		SlotContentSize:      8,
		SlotContentAlignment: 8,
		MaxNumberReceivers:   1,
	})
	view := make([]byte, lay.GetQueueMemorySize())
	cfg := lay.GetQueueConfig(0)
	if !layout.IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatalf("expected generated config to be valid")
	}
	p := NewProducerEnd(view, cfg, numSlots)
	c := NewConsumerEnd(view, cfg, numSlots)
	return p, c
}

func TestEmptyQueuePopReturnsFalse(t *testing.T) {
	_, c := newTestQueue(t, 4)
	if _, ok, err := c.Pop(); err != nil || ok {
		t.Fatalf("expected empty pop to be (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestPushPopFIFOOrder(t *testing.T) {
	p, c := newTestQueue(t, 8)

	for i := uint32(0); i < 5; i++ {
		ok, err := p.Push(i * 10)
		if err != nil || !ok {
			t.Fatalf("push %d: ok=%v err=%v", i, ok, err)
		}
	}
	for i := uint32(0); i < 5; i++ {
		got, ok, err := c.Pop()
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if got != i*10 {
			t.Fatalf("pop order violated: got %d want %d", got, i*10)
		}
	}
}

func TestCapacityBackpressure(t *testing.T) {
	p, c := newTestQueue(t, 2)

	ok, err := p.Push(1)
	if err != nil || !ok {
		t.Fatalf("push 1: ok=%v err=%v", ok, err)
	}
	ok, err = p.Push(2)
	if err != nil || !ok {
		t.Fatalf("push 2: ok=%v err=%v", ok, err)
	}

	// Queue is now full: a third push must not succeed or lose data.
	ok, err = p.Push(3)
	if err != nil {
		t.Fatalf("push 3: unexpected error %v", err)
	}
	if ok {
		t.Fatal("expected third push on a full capacity-2 queue to report false")
	}

	v, ok, err := c.Pop()
	if err != nil || !ok || v != 1 {
		t.Fatalf("pop after backpressure: v=%d ok=%v err=%v", v, ok, err)
	}

	ok, err = p.Push(3)
	if err != nil || !ok {
		t.Fatalf("push 3 after drain: ok=%v err=%v", ok, err)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	p, c := newTestQueue(t, 4)
	if ok, err := p.Push(42); err != nil || !ok {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}

	v1, ok, err := c.Peek()
	if err != nil || !ok || v1 != 42 {
		t.Fatalf("peek: v=%d ok=%v err=%v", v1, ok, err)
	}
	v2, ok, err := c.Peek()
	if err != nil || !ok || v2 != 42 {
		t.Fatalf("second peek should see the same value: v=%d ok=%v err=%v", v2, ok, err)
	}

	v3, ok, err := c.Pop()
	if err != nil || !ok || v3 != 42 {
		t.Fatalf("pop after peek: v=%d ok=%v err=%v", v3, ok, err)
	}
	if _, ok, _ := c.Peek(); ok {
		t.Fatal("expected queue empty after pop")
	}
}

func TestConcurrentProducerConsumerPreservesOrder(t *testing.T) {
	const n = 20000
	p, c := newTestQueue(t, 64)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint32(0); i < n; {
			ok, err := p.Push(i)
			if err != nil {
				t.Errorf("push %d: %v", i, err)
				return
			}
			if ok {
				i++
			}
		}
	}()

	var next uint32
	for next < n {
		v, ok, err := c.Pop()
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			continue
		}
		if v != next {
			t.Fatalf("fifo order violated: got %d want %d", v, next)
		}
		next++
	}
	<-done
}

func TestCapacityRejectsOversizedBuffer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected layout.New to panic on an oversized queue buffer")
		}
	}()
	// 2^30 entries * 4 bytes = 2^32 bytes, comfortably over UINT32_MAX/2.
	layout.New(layout.Config{
		NumSlots:             1 << 30,
		SlotContentSize:      8,
		SlotContentAlignment: 8,
		MaxNumberReceivers:   1,
	})
}

func TestRoundUpPow2(t *testing.T) {
	cases := map[uint32]uint32{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := layout.RoundUpPow2(in); got != want {
			t.Fatalf("RoundUpPow2(%d) = %d, want %d", in, got, want)
		}
		if got := layout.RoundUpPow2(in); got != 1 && bits.OnesCount32(got) != 1 {
			t.Fatalf("RoundUpPow2(%d) = %d is not a power of two", in, got)
		}
	}
}
