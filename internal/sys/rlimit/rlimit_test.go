package rlimit

import "testing"

func TestRaiseOpenFilesIsIdempotent(t *testing.T) {
	first, err := RaiseOpenFiles(64)
	if err != nil {
		t.Fatalf("RaiseOpenFiles: %v", err)
	}
	if first < 64 {
		t.Errorf("Expected a soft limit of at least 64, but got %d", first)
	}
	second, err := RaiseOpenFiles(64)
	if err != nil || second != first {
		t.Errorf("Expected the same limit on a second call, but got %d, %v", second, err)
	}
}
