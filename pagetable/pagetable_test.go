package pagetable

import "testing"

func TestInsertFindDelete(t *testing.T) {
	tbl := New[int](4)
	if err := tbl.Insert(10, 100); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, ok := tbl.Find(10)
	if !ok || v != 100 {
		t.Fatalf("find: got %v, %v", v, ok)
	}
	if err := tbl.Delete(10); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := tbl.Find(10); ok {
		t.Fatalf("expected page 10 to be gone")
	}
}

func TestCapacityEnforced(t *testing.T) {
	tbl := New[int](2)
	if err := tbl.Insert(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(3, 3); err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestDeadBucketRecycling(t *testing.T) {
	tbl := New[int](2)
	if err := tbl.Insert(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete(1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(3, 3); err != nil {
		t.Fatalf("insert after delete should reuse dead bucket: %v", err)
	}
	if got := tbl.Slots(); got != 2 {
		t.Fatalf("expected no growth, slots=%d", got)
	}
}

func TestDoubleDeleteIsInvariantViolation(t *testing.T) {
	tbl := New[int](2)
	_ = tbl.Insert(1, 1)
	_ = tbl.Insert(2, 2)
	if err := tbl.Delete(1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete(2); err == nil {
		t.Fatal("expected error: dead bucket already pending")
	}
}

func TestDeleteMissingPage(t *testing.T) {
	tbl := New[int](2)
	if err := tbl.Delete(99); err == nil {
		t.Fatal("expected error deleting non-resident page")
	}
}

func TestEachSkipsDeadBucket(t *testing.T) {
	tbl := New[int](3)
	_ = tbl.Insert(1, 1)
	_ = tbl.Insert(2, 2)
	_ = tbl.Insert(3, 3)
	_ = tbl.Delete(2)

	seen := map[uint64]int{}
	tbl.Each(func(page uint64, payload int) { seen[page] = payload })
	if len(seen) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(seen))
	}
	if _, ok := seen[2]; ok {
		t.Fatal("deleted page should not appear in Each")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tbl := New[int](2)
	_ = tbl.Insert(1, 1)
	if err := tbl.Insert(1, 2); err == nil {
		t.Fatal("expected error inserting duplicate page")
	}
}
