package service

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// CandidateSelector orders a tier's model pool into the attempt sequence
// for one request according to the tier's strategy.
type CandidateSelector struct {
	health *HealthRegistry

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCandidateSelector creates a selector. seed fixes the random source
// for tests; pass 0 for a time-seeded source.
func NewCandidateSelector(health *HealthRegistry, seed int64) *CandidateSelector {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(rand.Int63())
	}
	return &CandidateSelector{
		health: health,
		rng:    rand.New(src),
	}
}

// Order returns the attempt sequence for the tier. Sequential repeats
// the configured order for every round; random and adaptive produce a
// permutation truncated to the tier's retry budget.
func (s *CandidateSelector) Order(cfg *config.Config, tier models.Tier) []string {
	pool := cfg.Models.For(tier)
	if len(pool) == 0 {
		return nil
	}

	switch cfg.Models.StrategyFor(tier) {
	case models.StrategyRandom:
		return s.truncate(s.shuffled(pool), cfg.Retries.MaxRetries.For(tier, 2))
	case models.StrategyAdaptive:
		return s.truncate(s.weighted(pool), cfg.Retries.MaxRetries.For(tier, 2))
	default:
		rounds := cfg.Retries.Rounds.For(tier, 1)
		out := make([]string, 0, len(pool)*rounds)
		for i := 0; i < rounds; i++ {
			out = append(out, pool...)
		}
		return out
	}
}

func (s *CandidateSelector) truncate(seq []string, budget int) []string {
	if budget > 0 && len(seq) > budget {
		return seq[:budget]
	}
	return seq
}

func (s *CandidateSelector) shuffled(pool []string) []string {
	out := make([]string, len(pool))
	copy(out, pool)

	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	s.mu.Unlock()
	return out
}

// weighted performs weighted sampling without replacement: at each step
// a candidate is drawn with probability proportional to its health
// weight. Equal weights preserve configured order bias only through the
// uniform draw; a zero total falls back to configured order.
func (s *CandidateSelector) weighted(pool []string) []string {
	type candidate struct {
		entry  string
		weight float64
		index  int
	}
	remaining := make([]candidate, len(pool))
	for i, entry := range pool {
		remaining[i] = candidate{
			entry:  entry,
			weight: s.health.Weight(entry),
			index:  i,
		}
	}

	out := make([]string, 0, len(pool))

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(remaining) > 0 {
		var total float64
		for _, c := range remaining {
			total += c.weight
		}
		if total <= 0 {
			// Degenerate weights: keep configured order.
			sort.Slice(remaining, func(i, j int) bool {
				return remaining[i].index < remaining[j].index
			})
			for _, c := range remaining {
				out = append(out, c.entry)
			}
			break
		}

		pick := s.rng.Float64() * total
		chosen := len(remaining) - 1
		for i, c := range remaining {
			pick -= c.weight
			if pick <= 0 {
				chosen = i
				break
			}
		}
		out = append(out, remaining[chosen].entry)
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}

	return out
}
