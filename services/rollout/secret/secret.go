// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secret keeps credentials such as the control plane token and
// webhook headers out of ordinary heap memory.
//
// A [Value] is sealed in a memguard enclave on creation. The plaintext
// exists only for the duration of a Reveal call and in the copy it
// returns.
//
// # Security Considerations
//
//   - The copy returned by Reveal lives on the heap until collected.
//     Use it to set a header and drop it.
//   - Purge destroys every enclave key; Values cannot be revealed after.
package secret

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// MinMemlockKB is the RLIMIT_MEMLOCK below which enclave keys may be
// swapped to disk.
const MinMemlockKB = 64

// ErrPurged is returned by Reveal after Purge.
var ErrPurged = errors.New("secret memory has been purged")

var (
	checkOnce sync.Once
	purgeMu   sync.RWMutex
	purged    bool
)

// Value is a sealed secret. The zero Value and a nil *Value hold the
// empty string.
//
// # Thread Safety
//
// Value is safe for concurrent use.
type Value struct {
	enclave *memguard.Enclave
}

// New seals plain. An empty plain yields an empty Value.
func New(plain string) *Value {
	checkOnce.Do(checkMemlock)
	if plain == "" {
		return &Value{}
	}
	// NewEnclave wipes the slice it is given.
	return &Value{enclave: memguard.NewEnclave([]byte(plain))}
}

// IsZero reports whether v holds the empty string.
func (v *Value) IsZero() bool {
	return v == nil || v.enclave == nil
}

// Reveal returns a copy of the plaintext.
func (v *Value) Reveal() (string, error) {
	if v.IsZero() {
		return "", nil
	}
	purgeMu.RLock()
	defer purgeMu.RUnlock()
	if purged {
		return "", ErrPurged
	}
	buf, err := v.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Purge wipes all secret memory. Call it once, at process exit.
func Purge() {
	purgeMu.Lock()
	defer purgeMu.Unlock()
	if purged {
		return
	}
	purged = true
	memguard.Purge()
}

func checkMemlock() {
	limitKB, ok := memlockLimitKB()
	switch {
	case !ok:
		slog.Debug("memlock limit unknown on this platform")
	case limitKB >= 0 && limitKB < MinMemlockKB:
		slog.Warn("memlock limit is low, secret keys may be swapped",
			"limit_kb", limitKB,
			"required_kb", MinMemlockKB)
	}
}
