package graph

import (
	"context"
	"fmt"
	"sort"
)

// DetectCommunities recomputes the corpus's community set over the full
// graph using a fixed clustering algorithm: iterative label propagation,
// a simple, deterministic approximation of modularity-based clustering
// that needs no external graph library. It runs at the end of every build
// and replaces the prior community set wholesale.
func DetectCommunities(ctx context.Context, s Store, chatModel ChatModel, corpusID string, maxIterations int) ([]*Community, error) {
	entities, err := s.AllEntities(ctx, corpusID)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	adjacency := make(map[string][]string, len(entities))
	labels := make(map[string]string, len(entities))
	for _, e := range entities {
		labels[e.ID] = e.ID // every entity starts as its own label
	}
	for _, e := range entities {
		neighbors, err := s.Neighbors(ctx, corpusID, e.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range neighbors {
			adjacency[e.ID] = append(adjacency[e.ID], r.TargetEntityID)
			adjacency[r.TargetEntityID] = append(adjacency[r.TargetEntityID], e.ID)
		}
	}

	if maxIterations <= 0 {
		maxIterations = 20
	}

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids) // deterministic iteration order

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for _, id := range ids {
			neighbors := adjacency[id]
			if len(neighbors) == 0 {
				continue
			}
			counts := make(map[string]int, len(neighbors))
			for _, n := range neighbors {
				counts[labels[n]]++
			}
			best := labels[id]
			bestCount := counts[best]
			var candidateLabels []string
			for l := range counts {
				candidateLabels = append(candidateLabels, l)
			}
			sort.Strings(candidateLabels) // deterministic tie-break
			for _, l := range candidateLabels {
				if counts[l] > bestCount {
					best = l
					bestCount = counts[l]
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		groups[labels[id]] = append(groups[labels[id]], id)
	}

	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	entityByID := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		entityByID[e.ID] = e
	}

	var communities []*Community
	for i, key := range groupKeys {
		members := groups[key]
		if len(members) < 2 {
			continue // skip singleton "communities" — not a meaningful cluster
		}
		summary := summarizeCommunity(ctx, chatModel, entityByID, members)
		communities = append(communities, &Community{
			ID:        fmt.Sprintf("%s-c%d", corpusID, i),
			Level:     0,
			MemberIDs: members,
			Summary:   summary,
		})
	}
	return communities, nil
}

// summarizeCommunity generates a community summary from member names only
// (never the full source). Falls back to a plain
// joined-names summary when no ChatModel is available.
func summarizeCommunity(ctx context.Context, chatModel ChatModel, byID map[string]*Entity, memberIDs []string) string {
	names := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if e := byID[id]; e != nil {
			names = append(names, e.Name)
		}
	}
	if len(names) > 12 {
		names = names[:12]
	}

	if chatModel == nil || !chatModel.Available(ctx) {
		return fmt.Sprintf("Cluster of %d related entities: %v", len(memberIDs), names)
	}

	prompt := fmt.Sprintf("In one sentence, describe the common theme of these code entities: %v", names)
	out, err := chatModel.Generate(ctx, prompt, 64)
	if err != nil || out == "" {
		return fmt.Sprintf("Cluster of %d related entities: %v", len(memberIDs), names)
	}
	return out
}
