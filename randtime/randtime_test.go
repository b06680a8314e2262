package randtime

import (
	"testing"
	"time"
)

func TestRandDurationInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := RandDuration(time.Second, 2*time.Second)
		if d < time.Second || d >= 2*time.Second {
			t.Fatal("out of range", d)
		}
	}
	if d := RandDuration(time.Second, time.Second); d != time.Second {
		t.Fatal("empty range", d)
	}
	if d := RandDuration(time.Hour, 24*time.Hour); d < time.Hour || d >= 24*time.Hour {
		t.Fatal("wide range out of bounds", d)
	}
}
