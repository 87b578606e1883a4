package layout

import "testing"

func baseConfig() Config {
	return Config{NumSlots: 4, SlotContentSize: 64, SlotContentAlignment: 8, MaxNumberReceivers: 2}
}

func TestLayoutIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	a := New(cfg)
	b := New(cfg)

	if a.GetSlotMemorySize() != b.GetSlotMemorySize() {
		t.Fatal("slot memory size differs between independently constructed layouts")
	}
	if a.GetQueueMemorySize() != b.GetQueueMemorySize() {
		t.Fatal("queue memory size differs between independently constructed layouts")
	}
	if a.GetMinimumSizeOfOneQueue() != b.GetMinimumSizeOfOneQueue() {
		t.Fatal("minimum queue size differs between independently constructed layouts")
	}
	for i := uint32(0); i < cfg.MaxNumberReceivers; i++ {
		if a.GetQueueConfig(i) != b.GetQueueConfig(i) {
			t.Fatalf("queue config %d differs between independently constructed layouts", i)
		}
	}
}

func TestSlotMemorySizeAccountsForAlignmentAndPadding(t *testing.T) {
	lay := New(Config{NumSlots: 3, SlotContentSize: 10, SlotContentAlignment: 16, MaxNumberReceivers: 1})
	// flag: 8 bytes, pad to 16 -> payload at 16, payload ends at 26, pad to 8 -> stride 32.
	if got, want := lay.slotStride, uint64(32); got != want {
		t.Fatalf("slot stride = %d, want %d", got, want)
	}
	if got, want := lay.GetSlotMemorySize(), uint64(32*3); got != want {
		t.Fatalf("slot memory size = %d, want %d", got, want)
	}
}

func TestQueueConfigsDoNotOverlapAcrossReceivers(t *testing.T) {
	lay := New(Config{NumSlots: 16, SlotContentSize: 8, SlotContentAlignment: 8, MaxNumberReceivers: 4})
	view := make([]byte, lay.GetQueueMemorySize())

	var configs []QueueMemoryConfig
	for i := uint32(0); i < 4; i++ {
		cfg := lay.GetQueueConfig(i)
		if !IsReadableQueueMemoryConfigValid(cfg, view) {
			t.Fatalf("queue %d: expected valid config within its own region", i)
		}
		configs = append(configs, cfg)
	}
	for i := range configs {
		for j := range configs {
			if i == j {
				continue
			}
			if configs[i].HeadOffset < configs[j].BufferOffset+configs[j].BufferSize &&
				configs[j].HeadOffset < configs[i].BufferOffset+configs[i].BufferSize {
				t.Fatalf("queue %d and %d overlap: %+v vs %+v", i, j, configs[i], configs[j])
			}
		}
	}
}

func TestIsReadableQueueMemoryConfigValidRejectsOutOfBounds(t *testing.T) {
	view := make([]byte, 64)
	cfg := QueueMemoryConfig{HeadOffset: 0, HeadSize: 8, TailOffset: 8, TailSize: 8, BufferOffset: 16, BufferSize: 64}
	if IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatal("expected rejection: buffer extends past view")
	}
}

func TestIsReadableQueueMemoryConfigValidRejectsOverlap(t *testing.T) {
	view := make([]byte, 64)
	cfg := QueueMemoryConfig{HeadOffset: 0, HeadSize: 8, TailOffset: 4, TailSize: 8, BufferOffset: 16, BufferSize: 16}
	if IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatal("expected rejection: head and tail overlap")
	}
}

func TestIsReadableQueueMemoryConfigValidRejectsOverflow(t *testing.T) {
	view := make([]byte, 64)
	cfg := QueueMemoryConfig{
		HeadOffset: 0, HeadSize: 8,
		TailOffset: 8, TailSize: 8,
		BufferOffset: ^uint64(0) - 2, BufferSize: 16, // offset+size overflows uint64
	}
	if IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatal("expected rejection: offset+size overflow")
	}
}

func TestIsReadableQueueMemoryConfigValidRejectsMisalignment(t *testing.T) {
	view := make([]byte, 64)
	cfg := QueueMemoryConfig{HeadOffset: 3, HeadSize: 8, TailOffset: 16, TailSize: 8, BufferOffset: 24, BufferSize: 16}
	if IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatal("expected rejection: head offset not 8-byte aligned")
	}
}

func TestIsReadableQueueMemoryConfigValidAcceptsWellFormedConfig(t *testing.T) {
	lay := New(baseConfig())
	view := make([]byte, lay.GetQueueMemorySize())
	cfg := lay.GetQueueConfig(0)
	if !IsReadableQueueMemoryConfigValid(cfg, view) {
		t.Fatal("expected a layout-generated config to validate")
	}
}

func TestNewPanicsOnInvalidPreconditions(t *testing.T) {
	cases := []Config{
		{NumSlots: 0, SlotContentSize: 1, SlotContentAlignment: 1, MaxNumberReceivers: 1},
		{NumSlots: 1, SlotContentSize: 0, SlotContentAlignment: 1, MaxNumberReceivers: 1},
		{NumSlots: 1, SlotContentSize: 1, SlotContentAlignment: 3, MaxNumberReceivers: 1},
		{NumSlots: 1, SlotContentSize: 1, SlotContentAlignment: 1, MaxNumberReceivers: 0},
	}
	for _, cfg := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for config %+v", cfg)
				}
			}()
			New(cfg)
		}()
	}
}

func TestDescriptorIndexOutOfRangePanics(t *testing.T) {
	lay := New(baseConfig())
	view := make([]byte, lay.GetSlotMemorySize())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range slot index")
		}
	}()
	lay.GetWritableSlotDescriptor(lay.NumSlots(), view)
}

func TestWritableAndReadableDescriptorsShareTheSameSlot(t *testing.T) {
	lay := New(baseConfig())
	view := make([]byte, lay.GetSlotMemorySize())

	w := lay.GetWritableSlotDescriptor(1, view)
	r := lay.GetReadableSlotDescriptor(1, view)

	copy(w.GetWritableData(), []byte("payload-for-slot-one"))
	w.SetVisibilityFlag()

	if !r.IsSlotVisible() {
		t.Fatal("readable descriptor over the same view should see the flag flip")
	}
	if string(r.GetReadableData()[:20]) != "payload-for-slot-one" {
		t.Fatalf("unexpected payload: %q", r.GetReadableData()[:20])
	}
}
