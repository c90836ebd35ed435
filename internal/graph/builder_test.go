package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribridrag/internal/store"
)

func TestBuilder_Build_ExtractsModuleAndSymbolEntities(t *testing.T) {
	// Given: one chunk with a single function symbol
	s := NewMemStore()
	b := NewBuilder(s, nil, DefaultBuilderConfig())
	chunks := []*store.Chunk{
		{
			ID:       "chunk-1",
			FilePath: "pkg/foo.go",
			RawContent: "func Foo() { Bar() }",
			Symbols: []*store.Symbol{
				{Name: "Foo", Type: store.SymbolTypeFunction, StartLine: 1},
			},
		},
	}

	// When
	require.NoError(t, b.Build(context.Background(), "c1", chunks))

	// Then: a module entity and a function entity both exist
	all, err := s.AllEntities(context.Background(), "c1")
	require.NoError(t, err)

	var sawModule, sawFunc bool
	for _, e := range all {
		if e.Kind == EntityModule && e.FilePath == "pkg/foo.go" {
			sawModule = true
		}
		if e.Kind == EntityFunction && e.Name == "Foo" {
			sawFunc = true
		}
	}
	assert.True(t, sawModule)
	assert.True(t, sawFunc)
}

func TestBuilder_Build_ContainsEdgeLinksModuleToSymbol(t *testing.T) {
	s := NewMemStore()
	b := NewBuilder(s, nil, DefaultBuilderConfig())
	chunks := []*store.Chunk{
		{
			ID:       "chunk-1",
			FilePath: "pkg/foo.go",
			Symbols: []*store.Symbol{
				{Name: "Foo", Type: store.SymbolTypeFunction, StartLine: 1},
			},
		},
	}
	require.NoError(t, b.Build(context.Background(), "c1", chunks))

	moduleID := EntityID("c1", "pkg/foo.go", EntityModule)
	rels, err := s.Neighbors(context.Background(), "c1", moduleID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, RelContains, rels[0].Kind)
}

func TestBuilder_Build_DetectsCallsEdgeAcrossFiles(t *testing.T) {
	// Given: Foo (in a.go) references Bar(...) which is defined in b.go
	s := NewMemStore()
	b := NewBuilder(s, nil, DefaultBuilderConfig())
	chunks := []*store.Chunk{
		{
			ID:         "chunk-a",
			FilePath:   "a.go",
			RawContent: "func Foo() { Bar() }",
			Symbols:    []*store.Symbol{{Name: "Foo", Type: store.SymbolTypeFunction}},
		},
		{
			ID:         "chunk-b",
			FilePath:   "b.go",
			RawContent: "func Bar() {}",
			Symbols:    []*store.Symbol{{Name: "Bar", Type: store.SymbolTypeFunction}},
		},
	}

	// When
	require.NoError(t, b.Build(context.Background(), "c1", chunks))

	// Then: Foo has a "calls" edge to Bar
	fooID := EntityID("c1", "a.go#Foo", EntityFunction)
	rels, err := s.Neighbors(context.Background(), "c1", fooID)
	require.NoError(t, err)

	var sawCalls bool
	for _, r := range rels {
		if r.Kind == RelCalls {
			sawCalls = true
		}
	}
	assert.True(t, sawCalls)
}

func TestBuilder_Build_RelatedToRequiresCoOccurrenceThreshold(t *testing.T) {
	// Given: two symbols that co-occur in the same chunk exactly once, with
	// a threshold of 2
	s := NewMemStore()
	cfg := DefaultBuilderConfig()
	cfg.RelatedToThreshold = 2
	b := NewBuilder(s, nil, cfg)
	chunks := []*store.Chunk{
		{
			ID:       "chunk-1",
			FilePath: "a.go",
			Symbols: []*store.Symbol{
				{Name: "One", Type: store.SymbolTypeFunction},
				{Name: "Two", Type: store.SymbolTypeFunction},
			},
		},
	}

	// When
	require.NoError(t, b.Build(context.Background(), "c1", chunks))

	// Then: no related_to edge forms below threshold
	oneID := EntityID("c1", "a.go#One", EntityFunction)
	rels, err := s.Neighbors(context.Background(), "c1", oneID)
	require.NoError(t, err)
	for _, r := range rels {
		assert.NotEqual(t, RelRelatedTo, r.Kind)
	}
}

func TestBuilder_Build_SkipsSemanticExtractionWhenDisabled(t *testing.T) {
	// Given: semantic extraction disabled (the default) and a chat model that
	// would panic if ever invoked
	s := NewMemStore()
	b := NewBuilder(s, panicChatModel{}, DefaultBuilderConfig())
	chunks := []*store.Chunk{
		{ID: "c", FilePath: "a.go", Symbols: []*store.Symbol{{Name: "Foo", DocComment: "Foo does things."}}},
	}

	require.NoError(t, b.Build(context.Background(), "c1", chunks))

	all, err := s.AllEntities(context.Background(), "c1")
	require.NoError(t, err)
	for _, e := range all {
		assert.NotEqual(t, EntityConcept, e.Kind)
	}
}

type panicChatModel struct{}

func (panicChatModel) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	panic("should not be called when semantic extraction is disabled")
}

func (panicChatModel) Available(ctx context.Context) bool { return true }
