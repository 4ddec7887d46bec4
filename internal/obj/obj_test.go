package obj

import "testing"

func TestRefClosesAtZero(t *testing.T) {
	closed := 0
	r := Alloc("Test", 42, func() { closed++ })
	if r.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1", r.RefCount())
	}
	r.IncRef()
	if r.RefCount() != 2 {
		t.Fatalf("RefCount = %d, want 2", r.RefCount())
	}
	r.DecRef()
	if closed != 0 {
		t.Fatalf("close callback ran early")
	}
	r.DecRef()
	if closed != 1 {
		t.Fatalf("close callback ran %d times, want 1", closed)
	}
}

func TestRefIncRefReturnsSelf(t *testing.T) {
	r := Alloc("Test", nil, nil)
	if r.IncRef() != r {
		t.Fatalf("IncRef must return the same *Ref")
	}
	r.DecRef()
	r.DecRef()
}
