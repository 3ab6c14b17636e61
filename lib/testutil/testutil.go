// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for privd packages.
//
// SocketDir exists because Unix domain sockets have a 108-byte path
// limit (sun_path in sockaddr_un) and t.TempDir() can exceed it under
// deeply nested build-system temp roots; it creates a short-named
// directory directly in /tmp instead.
//
// RequireReceive and RequireClosed encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual
// tests do not hang forever when a channel never delivers.
package testutil

import (
	"os"
	"testing"
	"time"
)

// SocketDir creates a short-path temporary directory suitable for
// Unix domain sockets, removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "privd-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// RequireReceive reads one value from ch within timeout, or fails the
// test with msg.
func RequireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver) within timeout, or
// fails the test with msg.
func RequireClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, msg)
	}
}
