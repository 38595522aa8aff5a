package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleMonotonicOrder(t *testing.T) {
	w := New()
	now := time.Unix(0, 0)
	var fires []int
	w.Schedule(now, 300*time.Millisecond, 0, 1, func(arg any) { fires = append(fires, arg.(int)) }, 2, nil)
	w.Schedule(now, 100*time.Millisecond, 0, 1, func(arg any) { fires = append(fires, arg.(int)) }, 1, nil)

	due, ok := w.NextDue()
	require.True(t, ok)
	require.Equal(t, now.Add(100*time.Millisecond), due)

	got := w.Due(now.Add(400 * time.Millisecond))
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].Arg())
	require.Equal(t, 2, got[1].Arg())
}

func TestRepeatingTimerFiresExactCountThenFinish(t *testing.T) {
	w := New()
	now := time.Unix(0, 0)
	finished := false
	count := 0
	w.Schedule(now, 100*time.Millisecond, 100*time.Millisecond, 5,
		func(arg any) { count++ },
		nil,
		func(arg any) { finished = true },
	)

	cur := now
	for i := 0; i < 6; i++ {
		cur = cur.Add(100 * time.Millisecond)
		got := w.Due(cur)
		for _, f := range got {
			f.Func()(f.Arg())
		}
	}
	require.Equal(t, 5, count)
	require.True(t, finished)
	require.Equal(t, 0, w.Len())
}

func TestCancelStopsFutureFires(t *testing.T) {
	w := New()
	now := time.Unix(0, 0)
	count := 0
	e := w.Schedule(now, 100*time.Millisecond, 100*time.Millisecond, -1, func(arg any) { count++ }, nil, nil)
	w.Due(now.Add(100 * time.Millisecond))
	e.Cancel()
	got := w.Due(now.Add(200 * time.Millisecond))
	require.Empty(t, got)
	require.Equal(t, 0, w.Len())
}

func TestNoTimersNextDueFalse(t *testing.T) {
	w := New()
	_, ok := w.NextDue()
	require.False(t, ok)
}
