package learning

import (
	"sort"
)

// Triplet is one (query, positive_chunk, negative_chunk) training example
// mined from usage events.
type Triplet struct {
	Query      string
	PositiveID string
	NegativeID string
	Confidence float64
	CorpusID   string
}

// MinerConfig tunes the triplet miner's confidence thresholds.
type MinerConfig struct {
	// MinConfidence below which a mined triplet is discarded.
	MinConfidence float64
}

// DefaultMinerConfig returns conservative defaults favoring explicit
// feedback over inferred click-through signal.
func DefaultMinerConfig() MinerConfig {
	return MinerConfig{MinConfidence: 0.5}
}

const (
	confidenceExplicit    = 1.0
	confidenceClickSignal = 0.5
)

// Miner mines (query, positive, negative) triplets from windows of usage
// events. Explicit positive/negative feedback always wins; absent that,
// the highest-ranked clicked chunk is treated as positive and a high-ranked
// non-clicked chunk as a sampled negative.
type Miner struct {
	cfg MinerConfig
}

// NewMiner creates a triplet miner.
func NewMiner(cfg MinerConfig) *Miner {
	return &Miner{cfg: cfg}
}

// Mine groups events by (corpus_id, query) and emits one triplet per group
// that has a resolvable positive and negative chunk above the confidence
// threshold. Triplets with unresolvable chunks (no negative candidate, or
// positive == negative) are discarded.
func (m *Miner) Mine(events []UsageEvent) []Triplet {
	type groupKey struct {
		corpusID string
		query    string
	}
	groups := make(map[groupKey][]UsageEvent)
	for _, ev := range events {
		k := groupKey{corpusID: ev.CorpusID, query: ev.Query}
		groups[k] = append(groups[k], ev)
	}

	var triplets []Triplet
	for k, group := range groups {
		t, ok := m.mineGroup(k.corpusID, k.query, group)
		if !ok {
			continue
		}
		if t.Confidence < m.cfg.MinConfidence {
			continue
		}
		triplets = append(triplets, t)
	}

	sort.Slice(triplets, func(i, j int) bool {
		if triplets[i].CorpusID != triplets[j].CorpusID {
			return triplets[i].CorpusID < triplets[j].CorpusID
		}
		return triplets[i].Query < triplets[j].Query
	})
	return triplets
}

func (m *Miner) mineGroup(corpusID, query string, events []UsageEvent) (Triplet, bool) {
	var positive, negative string
	var explicitPositive, explicitNegative bool

	sort.Slice(events, func(i, j int) bool { return events[i].Rank < events[j].Rank })

	clicked := make(map[string]bool)
	rankOf := make(map[string]int)
	var rankOrder []string

	for _, ev := range events {
		if _, seen := rankOf[ev.ChunkID]; !seen {
			rankOf[ev.ChunkID] = ev.Rank
			rankOrder = append(rankOrder, ev.ChunkID)
		}
		switch ev.Kind {
		case EventHelpful:
			if !explicitPositive {
				positive = ev.ChunkID
				explicitPositive = true
			}
		case EventUnhelpful:
			if !explicitNegative {
				negative = ev.ChunkID
				explicitNegative = true
			}
		case EventClicked, EventExpanded:
			clicked[ev.ChunkID] = true
		}
	}

	sort.Slice(rankOrder, func(i, j int) bool { return rankOf[rankOrder[i]] < rankOf[rankOrder[j]] })

	if !explicitPositive {
		for _, id := range rankOrder {
			if clicked[id] {
				positive = id
				break
			}
		}
	}
	if positive == "" {
		return Triplet{}, false
	}

	if !explicitNegative {
		for _, id := range rankOrder {
			if id == positive || clicked[id] {
				continue
			}
			negative = id
			break
		}
	}
	if negative == "" || negative == positive {
		return Triplet{}, false
	}

	confidence := confidenceClickSignal
	if explicitPositive || explicitNegative {
		confidence = confidenceExplicit
	}

	return Triplet{
		Query:      query,
		PositiveID: positive,
		NegativeID: negative,
		Confidence: confidence,
		CorpusID:   corpusID,
	}, true
}
