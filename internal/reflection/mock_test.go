package reflection

import (
	"context"

	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
)

// mockJournal serves a fixed slice of entries regardless of filter, which
// is enough to exercise the aggregation and parsing logic under test.
type mockJournal struct {
	entries []domain.JournalEntry
	lastF   database.QueryFilter
}

var _ JournalReader = (*mockJournal)(nil)

func (m *mockJournal) Query(ctx context.Context, f database.QueryFilter) ([]domain.JournalEntry, error) {
	m.lastF = f
	return m.entries, nil
}

// mockStore records every persisted Reflection.
type mockStore struct {
	reflections []domain.Reflection
}

var _ KnowledgeStore = (*mockStore)(nil)

func (m *mockStore) AddReflection(ctx context.Context, ref domain.Reflection) error {
	m.reflections = append(m.reflections, ref)
	return nil
}

// mockAdaptation records every batch of insights handed to it.
type mockAdaptation struct {
	calls [][]domain.Insight
}

var _ AdaptationHandler = (*mockAdaptation)(nil)

func (m *mockAdaptation) ApplyInsights(ctx context.Context, insights []domain.Insight) error {
	m.calls = append(m.calls, insights)
	return nil
}
