// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock provides advisory file locking for the result aggregator.
//
// Several analyzer goroutines, and potentially several worker processes
// sharing one filesystem, merge fragments into the same results.json. Each
// writer takes an exclusive advisory lock on the sibling .lock file for the
// duration of the read-modify-rename cycle. Locks are tied to the open file
// handle and evaporate when the process exits, so a crashed worker never
// leaves a submission permanently wedged.
package lock

import (
	"errors"
	"os"
)

// ErrFileLocked is returned by TryLock when another process holds the lock.
var ErrFileLocked = errors.New("file is locked by another process")

// FileLocker abstracts platform-specific advisory locking.
//
// # Description
//
// Unix uses flock(2); Windows uses LockFileEx. Locks are exclusive and
// advisory: they only coordinate between cooperating processes.
//
// # Thread Safety
//
// Implementations are stateless and safe for concurrent use on different
// files. Locking the same *os.File from multiple goroutines is the
// caller's responsibility (the aggregator serializes with a mutex first).
type FileLocker interface {
	// Lock acquires an exclusive lock, blocking until it is granted.
	Lock(f *os.File) error

	// TryLock acquires an exclusive lock without blocking. Returns
	// ErrFileLocked when the file is already locked elsewhere.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call on an unlocked file.
	Unlock(f *os.File) error
}

// New returns the FileLocker for the current platform.
func New() FileLocker {
	return newPlatformLocker()
}
