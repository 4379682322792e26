// Package entropy is the injected randomness seam (spec §9): the "random"
// host-call plugin and anything else that needs non-determinism must read
// it through here rather than crypto/rand or math/rand directly, so a
// deterministic-simulation implementation can reproduce a run exactly.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
)

// Source produces random bytes for the guest's "getrandom" host call.
// Production implementations need not be reproducible; the seam exists so
// tests can substitute one that is.
type Source interface {
	// Read fills p with random bytes, returning len(p) and a nil error on
	// success, mirroring io.Reader without requiring one.
	Read(p []byte) (int, error)
}

type realSource struct{}

// Real returns the production Source: crypto/rand.
func Real() Source { return realSource{} }

func (realSource) Read(p []byte) (int, error) { return rand.Read(p) }

// Seeded returns a Source whose output is a deterministic function of a
// task's id and name. This is NOT the production source: nothing in the
// worker or its plugins constructs it, and the random plugin has no mode
// that selects it. Production tasks use Real.
func Seeded(taskID int64, taskName string) Source {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskName))
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(taskID))
	_, _ = h.Write(idBuf[:])
	return &seeded{state: h.Sum64()}
}

type seeded struct{ state uint64 }

// Read implements a splitmix64 stream, which is a fine deterministic PRNG
// for test reproducibility (not for security — callers needing production
// randomness must use Real).
func (s *seeded) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		s.state += 0x9E3779B97F4A7C15
		z := s.state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		binary.BigEndian.PutUint64(buf[:], z)
		copy(p[i:], buf[:])
	}
	return len(p), nil
}
