package fio

import "testing"

func TestResolveCountsZeroDefaultsToCPUMatrix(t *testing.T) {
	th, wk := resolveCounts(0, 0)
	if th <= 0 || wk <= 0 {
		t.Fatalf("resolveCounts(0,0) = (%d,%d), want both positive", th, wk)
	}
}

func TestResolveCountsPositiveArgsPassThrough(t *testing.T) {
	th, wk := resolveCounts(4, 2)
	if th != 4 || wk != 2 {
		t.Fatalf("resolveCounts(4,2) = (%d,%d), want (4,2)", th, wk)
	}
}

func TestResolveCountsNegativeDividesCores(t *testing.T) {
	th, wk := resolveCounts(-2, -2)
	if th <= 0 || wk <= 0 {
		t.Fatalf("resolveCounts(-2,-2) = (%d,%d), want both positive", th, wk)
	}
}

func TestCallbackRegistryStartupFamilyFiresLIFO(t *testing.T) {
	reg := newCallbackRegistry()
	var order []int
	reg.Add(PreStart, func() { order = append(order, 1) }, nil)
	reg.Add(PreStart, func() { order = append(order, 2) }, nil)
	reg.Add(PreStart, func() { order = append(order, 3) }, nil)

	reg.Force(PreStart)

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCallbackRegistryNonStartupFiresInsertionOrder(t *testing.T) {
	reg := newCallbackRegistry()
	var order []int
	reg.Add(OnFinish, func() { order = append(order, 1) }, nil)
	reg.Add(OnFinish, func() { order = append(order, 2) }, nil)

	reg.Force(OnFinish)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestCallbackRegistryClearRemovesAll(t *testing.T) {
	reg := newCallbackRegistry()
	fired := false
	reg.Add(OnIdle, func() { fired = true }, nil)
	reg.Clear(OnIdle)
	reg.Force(OnIdle)
	if fired {
		t.Fatal("cleared callback should not fire")
	}
}
