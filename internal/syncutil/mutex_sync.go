//go:build !deadlock

// Package syncutil provides the mutex types used by the tag state machine.
// Builds with -tags=deadlock swap them for github.com/sasha-s/go-deadlock.
package syncutil

import "sync"

// Mutex is sync.Mutex unless built with the deadlock tag.
type Mutex struct {
	sync.Mutex
}

// RWMutex is sync.RWMutex unless built with the deadlock tag.
type RWMutex struct {
	sync.RWMutex
}
