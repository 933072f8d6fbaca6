package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the tick store or cache could not be reached.
	// Mid-session it degrades the feed; at session start it fails the start.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCacheUnavailable is the cache flavour of ErrStoreUnavailable.
	ErrCacheUnavailable = fmt.Errorf("cache: %w", ErrStoreUnavailable)

	// ErrInvalidSeries means the named series does not exist in the tick store.
	ErrInvalidSeries = errors.New("invalid series")

	// ErrInvalidInterval is returned for negative or non-finite intervals.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrSessionAlreadyActive is never returned to callers: starting over an
	// active session cancels and replaces it. It only shows up in logs.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrSubscriberWrite marks a failed delivery; the subscriber is evicted.
	ErrSubscriberWrite = errors.New("subscriber write failed")

	// ErrSubscriberNotFound is returned by unicast to an unknown subscriber.
	ErrSubscriberNotFound = errors.New("subscriber not found")
)
