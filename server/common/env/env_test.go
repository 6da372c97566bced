package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("COACH_TEST_STR", "  value ")
	if got := String("COACH_TEST_STR", "x"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := String("COACH_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestIntRejectsNonPositive(t *testing.T) {
	cases := map[string]int{"12": 12, "0": 7, "-3": 7, "abc": 7}
	for raw, want := range cases {
		t.Setenv("COACH_TEST_INT", raw)
		if got := Int("COACH_TEST_INT", 7); got != want {
			t.Fatalf("Int(%q): expected %d, got %d", raw, want, got)
		}
	}
}

func TestBool(t *testing.T) {
	t.Setenv("COACH_TEST_BOOL", "false")
	if Bool("COACH_TEST_BOOL", true) {
		t.Fatalf("expected false")
	}
	t.Setenv("COACH_TEST_BOOL", "nope")
	if !Bool("COACH_TEST_BOOL", true) {
		t.Fatalf("expected fallback true for invalid value")
	}
}

func TestDurations(t *testing.T) {
	t.Setenv("COACH_TEST_MS", "250")
	if got := Millis("COACH_TEST_MS", time.Second); got != 250*time.Millisecond {
		t.Fatalf("unexpected millis: %v", got)
	}
	t.Setenv("COACH_TEST_HOURS", "48")
	if got := Hours("COACH_TEST_HOURS", time.Hour); got != 48*time.Hour {
		t.Fatalf("unexpected hours: %v", got)
	}
	if got := Hours("COACH_TEST_HOURS_MISSING", 3*time.Hour); got != 3*time.Hour {
		t.Fatalf("expected fallback hours, got %v", got)
	}
}

func TestCSVDedupes(t *testing.T) {
	t.Setenv("COACH_TEST_CSV", "a, b,,a ,c")
	got := CSV("COACH_TEST_CSV", []string{"z"})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected csv: %v", got)
	}
	t.Setenv("COACH_TEST_CSV", " , ")
	if got := CSV("COACH_TEST_CSV", []string{"z"}); !reflect.DeepEqual(got, []string{"z"}) {
		t.Fatalf("expected fallback, got %v", got)
	}
}
