package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/config"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
	})
}

// rotateAndTrim mirrors what the background rotation loop does: rotate, then
// keep only the last two retired peppers.
func rotateAndTrim(h *Hasher) {
	h.rotatePepper()
	h.mu.Lock()
	if len(h.oldPeppers) > 2 {
		h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
	}
	h.mu.Unlock()
}

func TestHashAndVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashCode("483920")
	require.NoError(t, err)

	ok, err := h.VerifyCode("483920", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("483921", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodeSurvivesPepperRotation(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashCode("271828")
	require.NoError(t, err)

	rotateAndTrim(h)

	ok, err := h.VerifyCode("271828", result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPepperVersionsStayUniqueAfterTrim(t *testing.T) {
	h := newTestHasher(t)

	// A code hashed right after a rotation must still verify after later
	// rotations trim the retained set, which requires every live pepper to
	// keep a distinct version.
	rotateAndTrim(h)
	result, err := h.HashCode("314159")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rotateAndTrim(h)

		h.mu.RLock()
		seen := map[int]bool{h.currentPepper.Version: true}
		for _, p := range h.oldPeppers {
			assert.False(t, seen[p.Version], "pepper version %d reused", p.Version)
			seen[p.Version] = true
			assert.Less(t, p.Version, h.currentPepper.Version)
		}
		h.mu.RUnlock()
	}

	// Version 2 fell out of the retained window long ago; verification may
	// fail, but it must never falsely succeed against a reused version.
	if ok, err := h.VerifyCode("314159", result); err == nil {
		assert.True(t, ok)
	}
}

func TestInFlightCodeVerifiesWithinRetentionWindow(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashCode("662607")
	require.NoError(t, err)

	// Two rotations keep the issuing pepper inside the retained set.
	rotateAndTrim(h)
	rotateAndTrim(h)

	ok, err := h.VerifyCode("662607", result)
	require.NoError(t, err)
	assert.True(t, ok)
}
