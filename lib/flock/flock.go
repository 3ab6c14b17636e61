// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package flock provides the exclusive startup lock that prevents two
// privd instances from serving the same runtime directory. The lock is
// an advisory flock(2) on a well-known file; it is released by the
// kernel if the holder dies, so there is no stale-lock recovery path.
package flock

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive file lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on path, creating the
// file if needed. Returns an error if another process holds the lock.
// The holder's PID is written into the file for operator diagnostics;
// the PID content is informational only, the flock is authoritative.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("lock file %s is held by another instance", path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and closes the file. The lock file itself is
// left in place; removing it would race with a concurrent Acquire.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return l.file.Close()
}
