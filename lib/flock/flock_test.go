// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package flock

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatal("second acquire succeeded; want held-by-another-instance error")
	} else if !strings.Contains(err.Error(), "held by another instance") {
		t.Fatalf("second acquire error = %v; want held-by-another-instance", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	lock, err = Acquire(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	lock.Release()
}
