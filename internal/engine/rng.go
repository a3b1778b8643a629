// Package engine provides the reproducible random stream that drives trial
// generation. Every float a protocol consumes is derived from the session
// seed, so a finished session can be replayed exactly.
package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Stream generates deterministic bytes using HMAC-SHA256 keyed by the session seed.
type Stream struct {
	seed   string
	scope  string
	trial  uint64
	round  uint64
	pos    int
	buffer [32]byte
}

// NewStream creates a byte stream for one trial of one protocol.
func NewStream(seed, scope string, trial uint64) *Stream {
	s := &Stream{
		seed:  seed,
		scope: scope,
		trial: trial,
	}
	s.generateRound()
	return s
}

// NewSeed returns a fresh random session seed.
func NewSeed() string {
	return uuid.NewString()
}

// Next returns the next byte from the stream
func (s *Stream) Next() byte {
	if s.pos >= len(s.buffer) {
		s.round++
		s.pos = 0
		s.generateRound()
	}

	b := s.buffer[s.pos]
	s.pos++
	return b
}

// Float returns the next float in [0, 1) using exactly 4 bytes.
func (s *Stream) Float() float64 {
	return bytesToFloat([4]byte{s.Next(), s.Next(), s.Next(), s.Next()})
}

// Intn returns an integer in [0, n). n <= 0 yields 0.
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	i := int(math.Floor(s.Float() * float64(n)))
	if i >= n {
		i = n - 1
	}
	return i
}

// Sign returns -1 or +1 with equal probability.
func (s *Stream) Sign() float64 {
	if s.Float() < 0.5 {
		return -1
	}
	return 1
}

func (s *Stream) generateRound() {
	h := hmac.New(sha256.New, []byte(s.seed))
	fmt.Fprintf(h, "%s:%d:%d", s.scope, s.trial, s.round)
	copy(s.buffer[:], h.Sum(nil))
}

func bytesToFloat(bytes [4]byte) float64 {
	result := 0.0
	for i, b := range bytes {
		result += float64(b) / math.Pow(256, float64(i+1))
	}
	return result
}

// Floats generates count floats for the given trial.
func Floats(seed, scope string, trial uint64, count int) []float64 {
	s := NewStream(seed, scope, trial)
	floats := make([]float64, count)
	for i := range floats {
		floats[i] = s.Float()
	}
	return floats
}
