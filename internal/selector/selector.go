// Package selector draws a difficulty-balanced set of question ids from a pool.
package selector

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"

	"github.com/stemsi/certexam-backend/internal/model"
)

// Selector picks question ids for a new session. Each call draws a fresh
// random source, so two sessions never share a selection stream.
type Selector struct {
	newRand func() *rand.Rand
}

// New returns a selector seeded from crypto/rand on every call.
func New() *Selector {
	return &Selector{newRand: freshRand}
}

// NewSeeded returns a selector whose calls all start from the same seed.
// Used by tests that need reproducible draws.
func NewSeeded(seed1, seed2 uint64) *Selector {
	return &Selector{newRand: func() *rand.Rand {
		return rand.New(rand.NewPCG(seed1, seed2))
	}}
}

func freshRand() *rand.Rand {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(err)
	}
	return rand.New(rand.NewPCG(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])))
}

// Select returns up to target canonical question ids from pool with no
// duplicates. Quotas are target/3 per difficulty with the remainder going to
// easy, then medium, then hard. A bucket smaller than its quota contributes
// everything it has and the shortfall is not redistributed.
//
// A pool without any difficulty tag is a fixed generated pool: it is returned
// whole in shuffled order. In a tagged pool, untagged questions are ignored.
func (s *Selector) Select(pool []model.Question, target int) []string {
	if target <= 0 || len(pool) == 0 {
		return []string{}
	}
	r := s.newRand()

	buckets := partition(pool)
	if buckets == nil {
		ids := uniqueIDs(pool)
		shuffle(r, ids)
		return ids
	}

	base := target / len(model.Difficulties)
	rem := target % len(model.Difficulties)

	selected := make([]string, 0, target)
	for i, d := range model.Difficulties {
		quota := base
		if i < rem {
			quota++
		}
		selected = append(selected, sample(r, buckets[d], quota)...)
	}

	shuffle(r, selected)
	return selected
}

// partition groups unique ids by difficulty. It returns nil when no question
// carries a recognised tag.
func partition(pool []model.Question) map[model.Difficulty][]string {
	buckets := make(map[model.Difficulty][]string, len(model.Difficulties))
	seen := make(map[string]struct{}, len(pool))
	tagged := false

	for i := range pool {
		q := &pool[i]
		if q.Difficulty == nil || !q.Difficulty.Valid() {
			continue
		}
		key := q.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		buckets[*q.Difficulty] = append(buckets[*q.Difficulty], key)
		tagged = true
	}

	if !tagged {
		return nil
	}
	return buckets
}

func uniqueIDs(pool []model.Question) []string {
	ids := make([]string, 0, len(pool))
	seen := make(map[string]struct{}, len(pool))
	for i := range pool {
		key := pool[i].Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, key)
	}
	return ids
}

// sample draws n ids without replacement. The bucket is not modified.
func sample(r *rand.Rand, bucket []string, n int) []string {
	if n >= len(bucket) {
		return append([]string(nil), bucket...)
	}
	out := make([]string, 0, n)
	for _, i := range r.Perm(len(bucket))[:n] {
		out = append(out, bucket[i])
	}
	return out
}

func shuffle(r *rand.Rand, ids []string) {
	r.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}
