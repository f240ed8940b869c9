package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("ENV_STRING_KEY", "value")
	got := String("ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestStrings_Split(t *testing.T) {
	t.Setenv("ENV_STRINGS_KEY", " a, ,b,c ")
	got := Strings("ENV_STRINGS_KEY", nil)
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Strings()=%v, want [a b c]", got)
	}
	if def := Strings("ENV_STRINGS_DOES_NOT_EXIST", []string{"x"}); !reflect.DeepEqual(def, []string{"x"}) {
		t.Fatalf("Strings() default=%v", def)
	}
}

func TestDuration_Override(t *testing.T) {
	t.Setenv("ENV_DURATION_KEY", "250ms")
	got, err := Duration("ENV_DURATION_KEY", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}
}

func TestDuration_Invalid(t *testing.T) {
	t.Setenv("ENV_DURATION_KEY_INVALID", "not-a-duration")
	if _, err := Duration("ENV_DURATION_KEY_INVALID", 5*time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool_Invalid(t *testing.T) {
	t.Setenv("ENV_BOOL_KEY_INVALID", "nope")
	if _, err := Bool("ENV_BOOL_KEY_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt_Override(t *testing.T) {
	t.Setenv("ENV_INT_KEY", "7")
	got, err := Int("ENV_INT_KEY", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 7 {
		t.Fatalf("Int()=%v, want 7", got)
	}
}

func TestFloat_OverrideAndInvalid(t *testing.T) {
	t.Setenv("ENV_FLOAT_KEY", "0.25")
	got, err := Float("ENV_FLOAT_KEY", 0)
	if err != nil {
		t.Fatalf("Float() err=%v", err)
	}
	if got != 0.25 {
		t.Fatalf("Float()=%v, want 0.25", got)
	}
	t.Setenv("ENV_FLOAT_KEY_INVALID", "x")
	if _, err := Float("ENV_FLOAT_KEY_INVALID", 1); err == nil {
		t.Fatalf("Float() expected error")
	}
}

func TestWithPrefix(t *testing.T) {
	t.Setenv("ANIMUS_TRAIN_TEST_A", "1")
	t.Setenv("ANIMUS_TRAIN_TEST_B", "x=y")
	got := WithPrefix("ANIMUS_TRAIN_TEST_")
	if got["ANIMUS_TRAIN_TEST_A"] != "1" || got["ANIMUS_TRAIN_TEST_B"] != "x=y" {
		t.Fatalf("WithPrefix()=%v", got)
	}
}
