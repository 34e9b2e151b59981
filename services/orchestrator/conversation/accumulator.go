// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Answer Accumulation
// =============================================================================

// answerBufferSize is the mlocked buffer capacity for one answer.
// 256 KB covers long answers with ample headroom.
const answerBufferSize = 256 * 1024

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
)

// initSecureMemory checks the mlock rlimit once per process.
func initSecureMemory() {
	memguardInitOnce.Do(func() {
		var limit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
			slog.Warn("cannot read RLIMIT_MEMLOCK, assuming insufficient", "error", err)
			return
		}
		mlockSufficient = limit.Cur == unix.RLIM_INFINITY || limit.Cur >= answerBufferSize
		if !mlockSufficient {
			slog.Warn("mlock limit below secure buffer size",
				"limit_bytes", limit.Cur, "required_bytes", answerBufferSize)
		}
	})
}

// AnswerAccumulator collects streamed answer tokens with incremental
// SHA-256 hashing.
//
// # Description
//
// The secure implementation stores tokens in a memguard mlocked buffer so
// answer text never swaps to disk; Finalize extracts the answer and its
// hash and wipes the buffer. When the process lacks mlock headroom and
// RELATIA_INSECURE_MEMORY=true is set, a plain-memory fallback is used
// with a logged warning.
//
// # Thread Safety
//
// Safe for concurrent use, though the pipeline writes from one goroutine.
type AnswerAccumulator interface {
	Write(token string) error
	Finalize() (answer string, hash string, err error)
	Destroy()
}

// NewAnswerAccumulator allocates an accumulator, secure when possible.
func NewAnswerAccumulator() (AnswerAccumulator, error) {
	initSecureMemory()

	if !mlockSufficient {
		if getEnvBool("RELATIA_INSECURE_MEMORY", false) {
			slog.Warn("using INSECURE answer accumulator, text may swap to disk")
			return &insecureAccumulator{hasher: sha256.New()}, nil
		}
		return nil, fmt.Errorf(
			"mlock limit below %d bytes; raise RLIMIT_MEMLOCK or set RELATIA_INSECURE_MEMORY=true",
			answerBufferSize)
	}

	buffer := memguard.NewBuffer(answerBufferSize)
	if buffer == nil {
		return nil, fmt.Errorf("allocate mlocked buffer")
	}
	return &secureAccumulator{buffer: buffer, hasher: sha256.New()}, nil
}

// secureAccumulator is the mlocked implementation.
type secureAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.offset+len(token) > a.buffer.Size() {
		return fmt.Errorf("answer exceeds %d byte buffer", a.buffer.Size())
	}

	a.buffer.Melt()
	copy(a.buffer.Bytes()[a.offset:], token)
	a.buffer.Freeze()
	a.offset += len(token)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.buffer.Destroy()
	a.destroyed = true
	return answer, sum, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.buffer.Destroy()
		a.destroyed = true
	}
}

// insecureAccumulator is the plain-memory fallback.
type insecureAccumulator struct {
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if len(a.data)+len(token) > answerBufferSize {
		return fmt.Errorf("answer exceeds %d byte buffer", answerBufferSize)
	}
	a.data = append(a.data, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	answer := string(a.data)
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	for i := range a.data {
		a.data[i] = 0
	}
	a.destroyed = true
	return answer, sum, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		for i := range a.data {
			a.data[i] = 0
		}
		a.destroyed = true
	}
}

var (
	_ AnswerAccumulator = (*secureAccumulator)(nil)
	_ AnswerAccumulator = (*insecureAccumulator)(nil)
)
