//go:build deadlock

// Package syncutil provides the mutex types used by the tag state machine.
// This file is compiled with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex reports lock-order inversions and long waits.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex reports lock-order inversions and long waits.
type RWMutex struct {
	deadlock.RWMutex
}
