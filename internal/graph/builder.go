package graph

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tribridrag/tribridrag/internal/store"
)

// ChatModel is the narrow capability graph builder uses for semantic entity
// extraction and community summaries. Implementations
// live in internal/index (an Ollama-backed adapter and a pattern fallback);
// graph depends only on this interface to stay free of that wiring.
type ChatModel interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	Available(ctx context.Context) bool
}

// BuilderConfig controls what the graph builder extracts.
type BuilderConfig struct {
	// SemanticExtraction gates LLM-derived "concept" entities from
	// comments/docstrings. Off by default: structural extraction alone is
	// always safe and deterministic.
	SemanticExtraction bool

	// RelatedToThreshold is the minimum co-occurrence count within a single
	// chunk for two entities to earn a related_to edge.
	RelatedToThreshold int
}

// DefaultBuilderConfig returns conservative defaults (structural only).
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		SemanticExtraction: false,
		RelatedToThreshold: 2,
	}
}

// Builder extracts entities and relationships from a build's chunks and
// writes them to a Store.
type Builder struct {
	store     Store
	chatModel ChatModel
	cfg       BuilderConfig
}

// NewBuilder creates a graph builder. chatModel may be nil; semantic
// extraction is then silently skipped regardless of cfg.SemanticExtraction.
func NewBuilder(s Store, chatModel ChatModel, cfg BuilderConfig) *Builder {
	return &Builder{store: s, chatModel: chatModel, cfg: cfg}
}

// Build runs one build's worth of graph extraction over the given chunks of
// a single corpus. Entities are upserted before relationships, matching the
// commit discipline described below.
func (b *Builder) Build(ctx context.Context, corpusID string, chunks []*store.Chunk) error {
	entities, entityByQName := b.extractStructural(corpusID, chunks)

	if b.cfg.SemanticExtraction && b.chatModel != nil && b.chatModel.Available(ctx) {
		semantic := b.extractSemantic(ctx, corpusID, chunks)
		entities = append(entities, semantic...)
	}

	if err := b.store.UpsertEntities(ctx, entities); err != nil {
		return err
	}

	rels := b.extractRelationships(corpusID, chunks, entityByQName)
	if err := b.store.UpsertRelationships(ctx, corpusID, rels); err != nil {
		return err
	}

	slog.Info("graph_build_complete",
		slog.String("corpus_id", corpusID),
		slog.Int("entities", len(entities)),
		slog.Int("relationships", len(rels)))
	return nil
}

// extractStructural derives one Entity per chunk.Symbol (functions, classes,
// methods, types) plus one module Entity per file, using the same parse the
// chunker already produced — no re-parsing.
func (b *Builder) extractStructural(corpusID string, chunks []*store.Chunk) ([]*Entity, map[string]*Entity) {
	var entities []*Entity
	byQName := make(map[string]*Entity)
	seenModules := make(map[string]struct{})

	for _, c := range chunks {
		if _, ok := seenModules[c.FilePath]; !ok {
			seenModules[c.FilePath] = struct{}{}
			mod := &Entity{
				ID:            EntityID(corpusID, c.FilePath, EntityModule),
				CorpusID:      corpusID,
				Name:          c.FilePath,
				QualifiedName: c.FilePath,
				Kind:          EntityModule,
				FilePath:      c.FilePath,
			}
			entities = append(entities, mod)
			byQName[mod.QualifiedName] = mod
		}

		for _, sym := range c.Symbols {
			qname := c.FilePath + "#" + sym.Name
			kind := symbolToEntityKind(sym.Type)
			e := &Entity{
				ID:            EntityID(corpusID, qname, kind),
				CorpusID:      corpusID,
				Name:          sym.Name,
				QualifiedName: qname,
				Kind:          kind,
				FilePath:      c.FilePath,
				StartLine:     sym.StartLine,
				Description:   sym.DocComment,
				Properties:    map[string]string{"signature": sym.Signature, "chunk_id": c.ID},
			}
			entities = append(entities, e)
			byQName[qname] = e
		}
	}
	return entities, byQName
}

func symbolToEntityKind(t store.SymbolType) EntityKind {
	switch t {
	case store.SymbolTypeClass, store.SymbolTypeInterface, store.SymbolTypeType:
		return EntityClass
	case store.SymbolTypeVariable, store.SymbolTypeConstant:
		return EntityVariable
	default:
		return EntityFunction
	}
}

// extractRelationships derives contains (module->symbol), calls, references
// and related_to (co-occurrence above threshold) edges. calls and references
// are derived heuristically from the chunk's raw content: a known symbol from
// another file whose name is followed by '(' gives a calls edge, a bare
// mention of the name gives a references edge. imports and inherits edges
// are not derived.
func (b *Builder) extractRelationships(corpusID string, chunks []*store.Chunk, byQName map[string]*Entity) []*Relationship {
	var rels []*Relationship
	coOccur := make(map[[2]string]int)

	for _, c := range chunks {
		modEntity := byQName[c.FilePath]
		var chunkEntities []*Entity
		for _, sym := range c.Symbols {
			e := byQName[c.FilePath+"#"+sym.Name]
			if e == nil {
				continue
			}
			chunkEntities = append(chunkEntities, e)
			if modEntity != nil {
				rels = append(rels, &Relationship{
					SourceEntityID: modEntity.ID,
					TargetEntityID: e.ID,
					Kind:           RelContains,
					Weight:         1,
				})
			}
		}

		for name, target := range byQName {
			if !strings.Contains(name, "#") {
				continue // module entities aren't callable references
			}
			shortName := name[strings.IndexByte(name, '#')+1:]
			if target.FilePath == c.FilePath {
				continue // skip self-file symbol matches for calls detection
			}
			if strings.Contains(c.RawContent, shortName+"(") {
				for _, src := range chunkEntities {
					if src.ID == target.ID {
						continue
					}
					rels = append(rels, &Relationship{
						SourceEntityID: src.ID,
						TargetEntityID: target.ID,
						Kind:           RelCalls,
						Weight:         0.8,
					})
				}
			} else if strings.Contains(c.RawContent, shortName) {
				for _, src := range chunkEntities {
					if src.ID == target.ID {
						continue
					}
					rels = append(rels, &Relationship{
						SourceEntityID: src.ID,
						TargetEntityID: target.ID,
						Kind:           RelReferences,
						Weight:         0.5,
					})
				}
			}
		}

		for i := 0; i < len(chunkEntities); i++ {
			for j := i + 1; j < len(chunkEntities); j++ {
				key := pairKey(chunkEntities[i].ID, chunkEntities[j].ID)
				coOccur[key]++
			}
		}
	}

	for pair, count := range coOccur {
		if count >= b.cfg.RelatedToThreshold {
			rels = append(rels, &Relationship{
				SourceEntityID: pair[0],
				TargetEntityID: pair[1],
				Kind:           RelRelatedTo,
				Weight:         clampWeight(float64(count) / 10.0),
			})
		}
	}

	return rels
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func clampWeight(w float64) float64 {
	if w > 1 {
		return 1
	}
	if w < 0.1 {
		return 0.1
	}
	return w
}

// extractSemantic asks the ChatModel for topical concepts named in a file's
// comments/docstrings. Malformed or empty responses are skipped rather than
// written as partial entities: a strict shape (one concept name per line) is
// enforced and anything else is discarded.
func (b *Builder) extractSemantic(ctx context.Context, corpusID string, chunks []*store.Chunk) []*Entity {
	var entities []*Entity
	byFile := map[string][]*store.Chunk{}
	for _, c := range chunks {
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	for filePath, fileChunks := range byFile {
		var docText strings.Builder
		for _, c := range fileChunks {
			for _, sym := range c.Symbols {
				if sym.DocComment != "" {
					docText.WriteString(sym.DocComment)
					docText.WriteString("\n")
				}
			}
		}
		if docText.Len() == 0 {
			continue
		}

		prompt := "List up to 5 short topical concept names (one per line, no punctuation) described by these doc comments:\n" + docText.String()
		out, err := b.chatModel.Generate(ctx, prompt, 128)
		if err != nil {
			slog.Debug("semantic_extraction_failed", slog.String("file", filePath), slog.String("error", err.Error()))
			continue
		}

		for _, line := range strings.Split(out, "\n") {
			name := strings.TrimSpace(line)
			if name == "" || len(name) > 64 || strings.ContainsAny(name, "{}[]\"") {
				continue // reject malformed output rather than write a partial entity
			}
			qname := filePath + "::concept::" + name
			entities = append(entities, &Entity{
				ID:            EntityID(corpusID, qname, EntityConcept),
				CorpusID:      corpusID,
				Name:          name,
				QualifiedName: qname,
				Kind:          EntityConcept,
				FilePath:      filePath,
			})
		}
	}
	return entities
}
