// Package routers orders the candidates of a request for dispatch.
package routers

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// DefaultCostMargin treats paid providers within 10% of each other as equally
// priced so that load still spreads across them.
const DefaultCostMargin = 0.1

// Group is a run of candidates the engine walks in order before moving on.
type Group struct {
	// Tier is the lowest provider tier in the group.
	Tier int
	// Promoted marks the group of free candidates lifted out of their tiers.
	Promoted   bool
	Candidates []provider.Candidate
}

// TierSelector orders tier-grouped candidates for one request.
//
// Within a tier candidates are shuffled and then ordered by cost: free
// first, paid by price, with prices inside the cost margin counting as equal.
// Free candidates of every unpinned tier are promoted into one leading group
// ahead of all paid candidates of unpinned tiers. Pinned tiers keep their
// configured order and position.
//
// The shuffle is seeded from the request ID, so a given request always
// produces the same order.
type TierSelector struct {
	costMargin float64
	pinned     map[int]bool
}

// SelectorOption configures a TierSelector.
type SelectorOption func(*TierSelector)

// WithCostMargin sets the relative price difference under which paid
// providers count as equally priced. Negative values are treated as zero.
func WithCostMargin(margin float64) SelectorOption {
	return func(s *TierSelector) {
		if margin < 0 {
			margin = 0
		}
		s.costMargin = margin
	}
}

// WithPinnedTiers exempts tiers from shuffling and free promotion.
func WithPinnedTiers(tiers ...int) SelectorOption {
	return func(s *TierSelector) {
		for _, t := range tiers {
			s.pinned[t] = true
		}
	}
}

// NewTierSelector creates a selector.
func NewTierSelector(opts ...SelectorOption) *TierSelector {
	s := &TierSelector{
		costMargin: DefaultCostMargin,
		pinned:     make(map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Order returns the groups to try. candidates must already be sorted by
// tier, as returned by the registry.
func (s *TierSelector) Order(requestID string, candidates []provider.Candidate) []Group {
	if len(candidates) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(seedFor(requestID))) //nolint:gosec // ordering, not security

	var (
		out         []Group
		promoted    = Group{Promoted: true}
		promotedPos = -1
	)
	for _, tier := range splitTiers(candidates) {
		t := tier[0].Provider.Tier
		if s.pinned[t] {
			out = append(out, Group{Tier: t, Candidates: tier})
			continue
		}
		if promotedPos < 0 {
			promotedPos = len(out)
			promoted.Tier = t
			// Reserve the slot so paid groups land after it.
			out = append(out, Group{})
		}

		shuffled := make([]provider.Candidate, len(tier))
		copy(shuffled, tier)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		var paid []provider.Candidate
		for _, c := range shuffled {
			if c.Provider.Cost.IsFree() {
				promoted.Candidates = append(promoted.Candidates, c)
			} else {
				paid = append(paid, c)
			}
		}
		if len(paid) > 0 {
			out = append(out, Group{Tier: t, Candidates: s.byCost(paid)})
		}
	}

	if promotedPos >= 0 {
		if len(promoted.Candidates) > 0 {
			out[promotedPos] = promoted
		} else {
			out = append(out[:promotedPos], out[promotedPos+1:]...)
		}
	}
	return out
}

// byCost orders paid candidates by price. Candidates whose price is within
// the margin of the cheapest candidate of their band keep their relative
// (shuffled) order.
func (s *TierSelector) byCost(paid []provider.Candidate) []provider.Candidate {
	type ranked struct {
		c    provider.Candidate
		rank int
	}
	items := make([]ranked, len(paid))
	for i, c := range paid {
		items[i] = ranked{c: c, rank: i}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].c.Provider.Cost.PerThousandTokens < items[j].c.Provider.Cost.PerThousandTokens
	})

	out := make([]provider.Candidate, 0, len(items))
	for start := 0; start < len(items); {
		ceiling := items[start].c.Provider.Cost.PerThousandTokens * (1 + s.costMargin)
		end := start + 1
		for end < len(items) && items[end].c.Provider.Cost.PerThousandTokens <= ceiling {
			end++
		}
		band := items[start:end]
		sort.SliceStable(band, func(i, j int) bool { return band[i].rank < band[j].rank })
		for _, it := range band {
			out = append(out, it.c)
		}
		start = end
	}
	return out
}

// Flatten returns the candidates of all groups in order.
func Flatten(groups []Group) []provider.Candidate {
	var out []provider.Candidate
	for _, g := range groups {
		out = append(out, g.Candidates...)
	}
	return out
}

// splitTiers cuts a tier-sorted slice into per-tier runs.
func splitTiers(candidates []provider.Candidate) [][]provider.Candidate {
	var tiers [][]provider.Candidate
	start := 0
	for i := 1; i <= len(candidates); i++ {
		if i == len(candidates) || candidates[i].Provider.Tier != candidates[start].Provider.Tier {
			tiers = append(tiers, candidates[start:i])
			start = i
		}
	}
	return tiers
}

func seedFor(requestID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	return int64(h.Sum64()) //nolint:gosec // wraparound is fine for a seed
}
