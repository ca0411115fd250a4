package clock

import "testing"

func TestTimerQueueOrdering(t *testing.T) {
	var q TimerQueue
	var a, b, c Timer
	q.Arm(&b, 20)
	q.Arm(&a, 10)
	q.Arm(&c, 30)
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	if dl, ok := q.NextExpiration(); !ok || dl != 10 {
		t.Fatalf("NextExpiration = %d,%v want 10,true", dl, ok)
	}
	if got := q.PopExpired(9); got != nil {
		t.Fatal("popped before deadline")
	}
	if got := q.PopExpired(25); got != &a {
		t.Fatal("expected a first")
	}
	if got := q.PopExpired(25); got != &b {
		t.Fatal("expected b second")
	}
	if got := q.PopExpired(25); got != nil {
		t.Fatal("c must not expire at 25")
	}
	if c.Armed() != true || a.Armed() {
		t.Fatal("armed flags wrong after pops")
	}
}

func TestTimerQueueDisarmIdempotent(t *testing.T) {
	var q TimerQueue
	var a, b Timer
	q.Arm(&a, 5)
	q.Arm(&b, 6)
	q.Disarm(&a)
	q.Disarm(&a) // no-op
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	if got := q.PopExpired(10); got != &b {
		t.Fatal("expected b")
	}
	q.Disarm(&b) // already fired, no-op
	if q.Len() != 0 {
		t.Fatal("queue not empty")
	}
}

func TestTimerQueueRearm(t *testing.T) {
	var q TimerQueue
	var a, b Timer
	q.Arm(&a, 50)
	q.Arm(&b, 40)
	q.Arm(&a, 10) // move a ahead of b
	if dl, _ := q.NextExpiration(); dl != 10 {
		t.Fatalf("NextExpiration = %d, want 10", dl)
	}
	if got := q.PopExpired(45); got != &a {
		t.Fatal("expected rearmed a first")
	}
}

func TestTimerQueueWraparound(t *testing.T) {
	var q TimerQueue
	var before, after Timer
	nearWrap := Ticks(0xffff_fff0)
	offset := Ticks(32)
	q.Arm(&after, nearWrap+offset) // wraps past zero
	q.Arm(&before, nearWrap)
	if dl, _ := q.NextExpiration(); dl != nearWrap {
		t.Fatalf("NextExpiration = %#x, want %#x", dl, nearWrap)
	}
	if got := q.PopExpired(nearWrap + 1); got != &before {
		t.Fatal("pre-wrap timer must fire first")
	}
	if got := q.PopExpired(nearWrap + 1); got != nil {
		t.Fatal("post-wrap timer fired early")
	}
	if got := q.PopExpired(nearWrap + 40); got != &after {
		t.Fatal("post-wrap timer must fire after the wrap")
	}
}
