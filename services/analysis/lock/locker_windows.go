// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build windows

package lock

import (
	"os"

	"golang.org/x/sys/windows"
)

// WindowsFileLocker implements FileLocker using LockFileEx.
//
// The whole file is locked (offset 0, length MaxUint32) since the
// aggregator only ever locks dedicated zero-length .lock files.
type WindowsFileLocker struct{}

// Lock acquires an exclusive lock, blocking until granted.
func (l *WindowsFileLocker) Lock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK, 0, ^uint32(0), ^uint32(0), ol)
}

// TryLock acquires an exclusive lock without blocking; returns
// ErrFileLocked when the region is already locked.
func (l *WindowsFileLocker) TryLock(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, ^uint32(0), ^uint32(0), ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return ErrFileLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock with UnlockFileEx.
func (l *WindowsFileLocker) Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}

// newPlatformLocker returns the Windows locker.
func newPlatformLocker() FileLocker {
	return &WindowsFileLocker{}
}
