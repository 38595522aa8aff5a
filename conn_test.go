package fio

import "testing"

func TestTableLookupValidatesGeneration(t *testing.T) {
	tb := newTable(8)
	c, ok := tb.get(3)
	if !ok {
		t.Fatal("get(3) should succeed within capacity")
	}
	h := c.resetForOpen(3)
	tb.noteOpen(3)

	got, ok := tb.lookup(h)
	if !ok || got != c {
		t.Fatal("lookup should return the same conn for a freshly opened handle")
	}

	c.generation.Add(1) // simulate close bumping the generation
	if _, ok := tb.lookup(h); ok {
		t.Fatal("lookup should reject a handle whose generation is stale")
	}
}

func TestTableLookupRejectsOutOfRangeFD(t *testing.T) {
	tb := newTable(4)
	if _, ok := tb.lookup(makeHandle(99, 0)); ok {
		t.Fatal("lookup should reject an fd beyond table capacity")
	}
}

func TestForEachOpenVisitsOnlyOpenConnections(t *testing.T) {
	tb := newTable(8)
	c1, _ := tb.get(1)
	c1.resetForOpen(1)
	tb.noteOpen(1)
	tb.shrinkWatermark()

	c5, _ := tb.get(5)
	c5.resetForOpen(5)
	tb.noteOpen(5)
	tb.shrinkWatermark()

	var seen []int
	tb.forEachOpen(func(h Handle, c *conn) { seen = append(seen, h.FD()) })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 5 {
		t.Fatalf("forEachOpen visited %v, want [1 5]", seen)
	}
	if tb.openCount() != 2 {
		t.Fatalf("openCount() = %d, want 2", tb.openCount())
	}
}

func TestShrinkWatermarkTracksHighestOpenFD(t *testing.T) {
	tb := newTable(8)
	c5, _ := tb.get(5)
	c5.resetForOpen(5)
	tb.noteOpen(5)
	tb.shrinkWatermark()
	if tb.maxFD.Load() != 5 {
		t.Fatalf("maxFD = %d, want 5", tb.maxFD.Load())
	}

	c5.open.Store(false)
	tb.shrinkWatermark()
	if tb.maxFD.Load() != -1 {
		t.Fatalf("maxFD after closing last open fd = %d, want -1", tb.maxFD.Load())
	}
}

func TestLinkAndUnlink(t *testing.T) {
	c := newConn()
	c.resetForOpen(1)

	ran := false
	e := c.link(nil, func() { ran = true })
	c.unlink(e)
	c.runLinkDestructors()
	if ran {
		t.Fatal("unlinked destructor should not run")
	}

	ran2 := false
	c.link(nil, func() { ran2 = true })
	c.runLinkDestructors()
	if !ran2 {
		t.Fatal("linked destructor should run exactly once on runLinkDestructors")
	}
}
