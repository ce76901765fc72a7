package arena

import "testing"

func TestSlabAllocAndExhaustion(t *testing.T) {
	s := NewSlab(16)
	a, err := s.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(a))
	}
	if _, err := s.Alloc(10); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if _, err := s.Alloc(6); err != nil {
		t.Fatalf("expected remaining 6 bytes to fit: %v", err)
	}
}

func TestSlabResetReclaimsAll(t *testing.T) {
	s := NewSlab(8)
	if _, err := s.Alloc(8); err != nil {
		t.Fatal(err)
	}
	s.Reset()
	if s.Used() != 0 {
		t.Fatalf("expected 0 used after reset, got %d", s.Used())
	}
	if _, err := s.Alloc(8); err != nil {
		t.Fatalf("expected full capacity available after reset: %v", err)
	}
}

func TestRouterAllocInternal(t *testing.T) {
	r := NewRouter(32)
	if _, err := r.AllocInternal(16); err != nil {
		t.Fatal(err)
	}
	if r.Internal.Used() != 16 {
		t.Fatalf("expected 16 bytes used, got %d", r.Internal.Used())
	}
}
