// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build unix

package lock

import (
	"os"
	"syscall"
)

// UnixFileLocker implements FileLocker using flock(2).
//
// Locks are advisory, attached to the open file description, inherited by
// child processes, and released on close or process exit.
type UnixFileLocker struct{}

// Lock acquires an exclusive lock, blocking until granted.
func (l *UnixFileLocker) Lock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// TryLock acquires an exclusive lock with LOCK_NB; returns ErrFileLocked
// when the file is already locked by another process.
func (l *UnixFileLocker) TryLock(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if err == syscall.EWOULDBLOCK {
			return ErrFileLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock with LOCK_UN.
func (l *UnixFileLocker) Unlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// newPlatformLocker returns the Unix locker.
func newPlatformLocker() FileLocker {
	return &UnixFileLocker{}
}
