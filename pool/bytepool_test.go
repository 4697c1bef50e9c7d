// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package pool

import "testing"

func TestBytePoolReuse(t *testing.T) {
	p := NewBytePool(512)
	buf := p.GetBuffer()
	if len(buf) != 512 {
		t.Fatalf("len = %d, want 512", len(buf))
	}
	buf[0] = 7
	p.PutBuffer(buf[:10])
	again := p.GetBuffer()
	if len(again) != 512 {
		t.Fatalf("recycled len = %d, want 512", len(again))
	}
}

func TestBytePoolIgnoresForeignBuffers(t *testing.T) {
	p := NewBytePool(64)
	p.PutBuffer(make([]byte, 8))
	if got := len(p.GetBuffer()); got != 64 {
		t.Fatalf("len = %d, want 64", got)
	}
}

func TestForSizeShared(t *testing.T) {
	if ForSize(1024) != ForSize(1024) {
		t.Fatal("ForSize returned distinct pools for the same size")
	}
	if ForSize(1024) == ForSize(2048) {
		t.Fatal("ForSize shared a pool across sizes")
	}
}

func TestSyncPoolCountsAllocations(t *testing.T) {
	p := NewBytePool(32)
	if p.Allocated() != 0 {
		t.Fatalf("allocated before use = %d", p.Allocated())
	}
	p.GetBuffer()
	p.GetBuffer()
	if got := p.Allocated(); got != 2 {
		t.Fatalf("allocated = %d, want 2", got)
	}
}
