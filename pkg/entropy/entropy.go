// Package entropy implements C10: the source of per-worker
// cancellation secrets and per-session salts.
//
// spec.md §4.10 requires lazy seeding from wall-clock jitter observed
// between the first two events handled, "to avoid generating
// predictable values before any external input has influenced
// timing," and requires the worker's copy of the sequence to be
// re-seeded independently of the parent's on spawn.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

// Source produces uint32 values for cancel secrets and session salts.
// It is safe for concurrent use, though in this supervisor it is only
// ever called from the single main-loop goroutine (spawner) and,
// independently, from a re-exec'd worker's own process.
type Source struct {
	mu      sync.Mutex
	rng     *rand.ChaCha8
	seeded  bool
	samples int
	jitterA uint64
}

// New returns an unseeded Source. The first call to Next, made while
// only one jitter sample is in hand, draws from crypto/rand so no
// caller ever observes a predictable value before seeding completes;
// the second call seeds the generator and draws from it.
func New() *Source {
	return &Source{}
}

// Next advances the sequence and returns the next 32-bit value.
func (s *Source) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		s.collectJitter()
	}
	if !s.seeded {
		return cryptoUint32()
	}

	var buf [4]byte
	_, _ = s.rng.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// collectJitter observes up to two wall-clock samples and, once both
// are in hand, seeds the generator from their XOR. Called with the
// lock held.
func (s *Source) collectJitter() {
	now := uint64(time.Now().UnixNano())
	s.samples++

	switch s.samples {
	case 1:
		s.jitterA = now
	default:
		seed := s.jitterA ^ now
		var seedBytes [32]byte
		binary.BigEndian.PutUint64(seedBytes[0:8], seed)
		binary.BigEndian.PutUint64(seedBytes[8:16], now)
		binary.BigEndian.PutUint64(seedBytes[16:24], s.jitterA)
		binary.BigEndian.PutUint64(seedBytes[24:32], seed^now)
		s.rng = rand.NewChaCha8(seedBytes)
		s.seeded = true
	}
}

// Reseed discards any accumulated state and seeds directly from
// crypto/rand. A freshly spawned worker calls this exactly once so
// that siblings never share a secret sequence derived from the
// supervisor's state at fork time.
func (s *Source) Reseed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seedBytes [32]byte
	_, _ = rand.Read(seedBytes[:])
	s.rng = rand.NewChaCha8(seedBytes)
	s.seeded = true
	s.samples = 2
}

func cryptoUint32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
