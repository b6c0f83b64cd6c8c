package buffer

import "testing"

func TestGetReturnsFullLengthBuffer(t *testing.T) {
	bp := NewBufferPool(1024)
	buf := bp.Get()
	if len(buf.B) != 1024 {
		t.Fatalf("expected length 1024, got %d", len(buf.B))
	}
	buf.B = buf.B[:10]
	bp.Put(buf)

	again := bp.Get()
	if len(again.B) != 1024 {
		t.Fatalf("reused buffer not restored to full length: %d", len(again.B))
	}
	bp.Put(nil)
}

func TestDefaultSize(t *testing.T) {
	if got := NewBufferPool(0).Size(); got != DefaultChunkSize {
		t.Errorf("Size() = %d, want %d", got, DefaultChunkSize)
	}
}
