package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"

	"crash-mines-backend/internal/models"
)

// Fairness produces commit-then-reveal randomness. Outcomes are pure
// functions of (server seed, public seed, nonce); only Commit touches
// entropy.
type Fairness struct {
	rand io.Reader
}

func NewFairness() *Fairness {
	return &Fairness{rand: rand.Reader}
}

// NewFairnessWithReader is used where the server seed must be reproducible.
func NewFairnessWithReader(r io.Reader) *Fairness {
	return &Fairness{rand: r}
}

// Commit returns a fresh hex server seed and its SHA-256 digest. The digest
// may be published immediately; the seed only after the game ends.
func (f *Fairness) Commit() (serverSeed, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(f.rand, buf); err != nil {
		return "", "", fmt.Errorf("failed to generate server seed: %w", err)
	}
	serverSeed = hex.EncodeToString(buf)
	return serverSeed, HashServerSeed(serverSeed), nil
}

func HashServerSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

func VerifyCommitment(serverSeed, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(HashServerSeed(serverSeed)), []byte(digest)) == 1
}

// Published derivation formats, returned with every verification.
const (
	CrashAlgorithm = `h = HMAC-SHA256(key=server_seed, msg="<public_seed>:<nonce>:0"); ` +
		`r = (big-endian uint64 of h[0:8] >> 12) / 2^52; ` +
		`crash = 1.00 if r < house_edge else floor((1-house_edge)/(1-r) * 100) / 100`
	MinesAlgorithm = `stream = HMAC-SHA256(key=server_seed, msg="<public_seed>:<nonce>:<block>") for block = 0, 1, 2, ...; ` +
		`pool = [0..24]; repeat mines_count times: v = big-endian uint16 of the next 2 stream bytes, ` +
		`take and remove pool[v mod len(pool)]; mine positions = taken cells sorted ascending`
)

// GameHash is HMAC-SHA256(serverSeed, "publicSeed:nonce:block"). Block 0 is
// the primary hash; further blocks extend the byte stream when one hash is
// not enough.
func GameHash(serverSeed, publicSeed string, nonce int64, block int) []byte {
	h := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(h, "%s:%d:%d", models.SanitizePublicSeed(publicSeed), nonce, block)
	return h.Sum(nil)
}

// UniformFloat maps the first 52 bits of the game hash onto [0,1).
func UniformFloat(serverSeed, publicSeed string, nonce int64) float64 {
	hash := GameHash(serverSeed, publicSeed, nonce, 0)
	n := binary.BigEndian.Uint64(hash[:8]) >> 12
	return float64(n) / math.Pow(2, 52)
}

// CrashPoint maps r onto the crash multiplier for house edge e:
// r < e crashes instantly at 1.00, otherwise (1-e)/(1-r) floored to cents.
func CrashPoint(r, houseEdge float64) float64 {
	if r < houseEdge {
		return 1.00
	}
	cp := models.FloorMultiplier((1 - houseEdge) / (1 - r))
	if cp < 1.00 {
		return 1.00
	}
	return cp
}

func DeriveCrashPoint(serverSeed, publicSeed string, nonce int64, houseEdge float64) float64 {
	return CrashPoint(UniformFloat(serverSeed, publicSeed, nonce), houseEdge)
}

// DeriveMinePositions picks count distinct cells out of gridSize by taking
// successive big-endian byte pairs of the hash stream modulo the shrinking
// pool of unpicked cells. The result is sorted.
func DeriveMinePositions(serverSeed, publicSeed string, nonce int64, count, gridSize int) []int {
	if count <= 0 || gridSize <= 0 {
		return []int{}
	}
	if count > gridSize {
		count = gridSize
	}

	available := make([]int, gridSize)
	for i := range available {
		available[i] = i
	}

	positions := make([]int, 0, count)
	var stream []byte
	block := 0
	for len(positions) < count {
		if len(stream) < 2 {
			stream = append(stream, GameHash(serverSeed, publicSeed, nonce, block)...)
			block++
		}
		v := int(binary.BigEndian.Uint16(stream[:2]))
		stream = stream[2:]

		idx := v % len(available)
		positions = append(positions, available[idx])
		available = append(available[:idx], available[idx+1:]...)
	}

	sort.Ints(positions)
	return positions
}

// MinesMultiplier is the paid multiplier after gems safe reveals with mines
// mines on a gridSize board: the inverse survival probability scaled by rtp,
// capped at ceiling and floored to cents.
func MinesMultiplier(mines, gems, gridSize int, rtp, ceiling float64) float64 {
	if gems <= 0 {
		return 1
	}
	safe := gridSize - mines
	if gems > safe {
		gems = safe
	}

	fair := 1.0
	for i := 0; i < gems; i++ {
		fair *= float64(gridSize-i) / float64(safe-i)
	}

	m := fair * rtp
	if m > ceiling {
		m = ceiling
	}
	return models.FloorMultiplier(m)
}
