// Package env contains utilities to manage environemnt variables
package env

import (
	"os"
	"testing"
	"time"
)

func setupEnv(key, value string) func() {
	os.Setenv(key, value)
	return func() { os.Unsetenv(key) }
}

func TestGetEnv(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "test-getenv")
	value := GetEnv("TEST_GETENV", "default")
	if value != "test-getenv" {
		t.Errorf("GetEnv failed: expected test-getenv got %s", value)
	}
	unset()
	value = GetEnv("TEST_GETENV", "default")
	if value != "default" {
		t.Errorf("GetEnv failed: expected default got %s", value)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "2")
	value := GetEnvAsInt("TEST_GETENV", 6)
	if value != 2 {
		t.Errorf("GetEnv failed: expected 2 got %d", value)
	}
	unset()
	value = GetEnvAsInt("TEST_GETENV", 6)
	if value != 6 {
		t.Errorf("GetEnv failed: expected 6 got %d", value)
	}
}

func TestGetEnvAsFloat64(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "1.5")
	value := GetEnvAsFloat64("TEST_GETENV", 6.0)
	if value != 1.5 {
		t.Errorf("GetEnvAsFloat64 failed: expected 1.5 got %f", value)
	}
	unset()
	value = GetEnvAsFloat64("TEST_GETENV", 6.0)
	if value != 6.0 {
		t.Errorf("GetEnvAsFloat64 failed: expected 6.0 got %f", value)
	}
}

func TestGetEnvAsBool(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "true")
	if !GetEnvAsBool("TEST_GETENV", false) {
		t.Errorf("GetEnvAsBool failed: expected true")
	}
	unset()
	if !GetEnvAsBool("TEST_GETENV", true) {
		t.Errorf("GetEnvAsBool failed: expected default true")
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "2.5")
	value := GetEnvAsDuration("TEST_GETENV", time.Second)
	if value != 2500*time.Millisecond {
		t.Errorf("GetEnvAsDuration failed: expected 2.5s got %s", value)
	}
	unset()
	value = GetEnvAsDuration("TEST_GETENV", 3*time.Second)
	if value != 3*time.Second {
		t.Errorf("GetEnvAsDuration failed: expected default 3s got %s", value)
	}
}

func TestGetEnvAsStringSlice(t *testing.T) {
	unset := setupEnv("TEST_GETENV", "a, b ,c")
	value := GetEnvAsStringSlice("TEST_GETENV", nil)
	expected := []string{"a", "b", "c"}
	if len(value) != len(expected) {
		t.Fatalf("GetEnvAsStringSlice failed: expected %v got %v", expected, value)
	}
	for i := range expected {
		if value[i] != expected[i] {
			t.Errorf("GetEnvAsStringSlice failed: expected %v got %v", expected, value)
		}
	}
	unset()
	value = GetEnvAsStringSlice("TEST_GETENV", []string{"default"})
	if len(value) != 1 || value[0] != "default" {
		t.Errorf("GetEnvAsStringSlice failed: expected default got %v", value)
	}
}
