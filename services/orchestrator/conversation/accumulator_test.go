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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccumulator(t *testing.T) AnswerAccumulator {
	t.Helper()
	t.Setenv("RELATIA_INSECURE_MEMORY", "true")
	acc, err := NewAnswerAccumulator()
	require.NoError(t, err)
	t.Cleanup(acc.Destroy)
	return acc
}

func TestAnswerAccumulator_ConcatenatesTokens(t *testing.T) {
	acc := newTestAccumulator(t)

	for _, token := range []string{"The ", "answer ", "is ", "42."} {
		require.NoError(t, acc.Write(token))
	}

	answer, sum, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", answer)

	expected := sha256.Sum256([]byte("The answer is 42."))
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)
}

func TestAnswerAccumulator_EmptyFinalize(t *testing.T) {
	acc := newTestAccumulator(t)

	answer, sum, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, answer)

	empty := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(empty[:]), sum)
}

func TestAnswerAccumulator_UnicodeTokens(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Write("答案"))
	require.NoError(t, acc.Write("是42"))

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "答案是42", answer)
}

func TestAnswerAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Write("done"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("more"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestAnswerAccumulator_WriteAfterDestroyFails(t *testing.T) {
	acc := newTestAccumulator(t)

	acc.Destroy()
	assert.Error(t, acc.Write("late"))
	// Destroy is idempotent.
	acc.Destroy()
}

func TestAnswerAccumulator_RejectsOversizedAnswer(t *testing.T) {
	acc := newTestAccumulator(t)

	big := strings.Repeat("x", answerBufferSize)
	require.NoError(t, acc.Write(big))
	assert.Error(t, acc.Write("one more byte"))
}
