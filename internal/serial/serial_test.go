package serial

import "testing"

func TestIsNewerBasic(t *testing.T) {
	var a uint32 = 1000
	if !IsNewer(a+1, a) {
		t.Fatalf("expected a+1 newer than a")
	}
	if !IsOlder(a-1, a) {
		t.Fatalf("expected a-1 older than a")
	}
	if IsNewer(a, a) {
		t.Fatalf("expected a not newer than itself")
	}
	if IsOlder(a, a) {
		t.Fatalf("expected a not older than itself")
	}
}

func TestWraparound(t *testing.T) {
	var max32 uint32 = 0xFFFFFFFF
	if !IsNewer(0, max32) {
		t.Fatalf("expected 0 newer than 0xFFFFFFFF (wraparound)")
	}
	if !IsOlder(max32, 0) {
		t.Fatalf("expected 0xFFFFFFFF older than 0 (wraparound)")
	}
}

func TestHalfPlaneStability(t *testing.T) {
	var a uint32 = 1 << 31
	for _, delta := range []uint32{1, 100, 1<<31 - 1} {
		if !IsNewer(a+delta, a) {
			t.Fatalf("expected a+%d newer than a", delta)
		}
	}
	for _, delta := range []uint32{1, 100, 1<<31 - 1} {
		if !IsOlder(a-delta, a) {
			t.Fatalf("expected a-%d older than a", delta)
		}
	}
}

func TestDistance(t *testing.T) {
	if Distance(105, 100) != 5 {
		t.Fatalf("expected distance 5")
	}
	if Distance(95, 100) != -5 {
		t.Fatalf("expected distance -5")
	}
}
