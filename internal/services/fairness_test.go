package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAndVerify(t *testing.T) {
	f := NewFairness()
	seed, digest, err := f.Commit()
	require.NoError(t, err)
	assert.Len(t, seed, 64)
	assert.Len(t, digest, 64)
	assert.True(t, VerifyCommitment(seed, digest))
	assert.False(t, VerifyCommitment(seed+"0", digest))

	other, _, err := f.Commit()
	require.NoError(t, err)
	assert.NotEqual(t, seed, other)
}

func TestFixedReaderCommit(t *testing.T) {
	seed, digest, err := fixedFairness(0xab).Commit()
	require.NoError(t, err)
	assert.Equal(t, "abababababababababababababababababababababababababababababababab", seed)
	assert.Equal(t, HashServerSeed(seed), digest)
}

func TestCrashPoint(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		edge float64
		want float64
	}{
		{"below edge crashes instantly", 0.01, 0.05, 1.00},
		{"at edge", 0.05, 0.05, 1.00},
		{"half", 0.5, 0.05, 1.90},
		{"three quarters", 0.75, 0.05, 3.80},
		{"no edge", 0.5, 0, 2.00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CrashPoint(tt.r, tt.edge))
		})
	}
}

func TestDeriveCrashPointDeterministic(t *testing.T) {
	a := DeriveCrashPoint("seed", "round-1", 7, 0.05)
	b := DeriveCrashPoint("seed", "round-1", 7, 0.05)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 1.00)

	r := UniformFloat("seed", "round-1", 7)
	assert.GreaterOrEqual(t, r, 0.0)
	assert.Less(t, r, 1.0)
	assert.NotEqual(t, r, UniformFloat("seed", "round-1", 8))
}

func TestDeriveMinePositions(t *testing.T) {
	for _, count := range []int{1, 3, 12, 24} {
		positions := DeriveMinePositions("server", "client", 42, count, 25)
		require.Len(t, positions, count)

		seen := make(map[int]bool)
		for i, p := range positions {
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, 25)
			assert.False(t, seen[p], "duplicate position %d", p)
			seen[p] = true
			if i > 0 {
				assert.Less(t, positions[i-1], p)
			}
		}
	}

	assert.Equal(t,
		DeriveMinePositions("server", "client", 42, 5, 25),
		DeriveMinePositions("server", "client", 42, 5, 25))
	assert.Empty(t, DeriveMinePositions("server", "client", 42, 0, 25))
}

// TestMinePositionsFollowPublishedFormat recomputes layouts straight from
// the MinesAlgorithm description.
func TestMinePositionsFollowPublishedFormat(t *testing.T) {
	manual := func(server, public string, nonce int64, count int) []int {
		var stream []byte
		for block := 0; len(stream) < 2*count; block++ {
			mac := hmac.New(sha256.New, []byte(server))
			fmt.Fprintf(mac, "%s:%d:%d", public, nonce, block)
			stream = append(stream, mac.Sum(nil)...)
		}
		pool := make([]int, 25)
		for i := range pool {
			pool[i] = i
		}
		var taken []int
		for i := 0; i < count; i++ {
			v := int(stream[2*i])<<8 | int(stream[2*i+1])
			idx := v % len(pool)
			taken = append(taken, pool[idx])
			pool = append(pool[:idx], pool[idx+1:]...)
		}
		sort.Ints(taken)
		return taken
	}

	for _, count := range []int{1, 3, 16, 24} {
		assert.Equal(t, manual("server", "abc", 7, count), DeriveMinePositions("server", "abc", 7, count, 25), "count %d", count)
	}
	assert.Contains(t, MinesAlgorithm, `"<public_seed>:<nonce>:<block>"`)
}

func TestMalformedPublicSeedActsAsEmpty(t *testing.T) {
	want := DeriveMinePositions("server", "", 9, 5, 25)
	assert.Equal(t, want, DeriveMinePositions("server", "bad\x00seed", 9, 5, 25))
	assert.Equal(t, DeriveCrashPoint("server", "", 9, 0.05), DeriveCrashPoint("server", "\xff", 9, 0.05))
}

func TestMinesMultiplier(t *testing.T) {
	assert.Equal(t, 1.10, MinesMultiplier(3, 1, 25, 0.97, 1000))
	assert.Equal(t, 1.01, MinesMultiplier(1, 1, 25, 0.97, 1000))
	assert.Equal(t, 24.25, MinesMultiplier(24, 1, 25, 0.97, 1000))
	assert.Equal(t, 24.00, MinesMultiplier(24, 1, 25, 0.97, 24))
	assert.Equal(t, 1.00, MinesMultiplier(3, 0, 25, 0.97, 1000))

	for mines := 1; mines <= 24; mines++ {
		prev := 1.0
		for gems := 1; gems <= 25-mines; gems++ {
			m := MinesMultiplier(mines, gems, 25, 0.97, 1000)
			assert.LessOrEqual(t, m, 1000.0)
			assert.GreaterOrEqual(t, m, prev)
			prev = m
		}
	}
}
