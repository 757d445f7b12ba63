package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d before deadline, want 0", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d at deadline, want 1", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d after deadline, want 1", fired)
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Error("Stop() = false on pending timer, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
	if got := c.PendingTimers(); got != 0 {
		t.Errorf("PendingTimers() = %d after Stop, want 0", got)
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	c.AfterFunc(200*time.Millisecond, func() {
		order = append(order, 2)
		// 回调里安排的定时器在同一次 Advance 中到期也会触发
		c.AfterFunc(50*time.Millisecond, func() { order = append(order, 25) })
	})

	c.Advance(time.Second)
	want := []int{1, 2, 25, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
