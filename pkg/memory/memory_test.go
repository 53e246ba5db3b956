package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/agentstore/internal/storetest"
	"github.com/liliang-cn/agentstore/pkg/core"
	"github.com/liliang-cn/agentstore/pkg/similarity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storetest.NewManager(t))
}

func newMemory(room, agent core.UUID, text string, emb []float32, unique bool) *core.Memory {
	return &core.Memory{
		AgentID:   agent,
		RoomID:    room,
		UserID:    agent,
		Content:   core.Content{Text: text},
		Embedding: emb,
		Unique:    unique,
	}
}

func TestCreateAndGetByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	m := newMemory(room, agent, "hello there", []float32{0.1, 0.2, 0.3}, false)
	m.Content.Extra = map[string]any{"mood": "cheerful"}

	created, err := s.Create(ctx, m, core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, m.ID.IsZero())
	assert.False(t, m.CreatedAt.IsZero())

	got, found, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, room, got.RoomID)
	assert.Equal(t, agent, got.AgentID)
	assert.Equal(t, "hello there", got.Content.Text)
	assert.Equal(t, "cheerful", got.Content.Extra["mood"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, core.TableMessages, got.TableName)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestGetByIDMissing(t *testing.T) {
	s := newTestStore(t)

	got, found, err := s.GetByID(context.Background(), core.NewUUID())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	tests := []struct {
		name    string
		mem     *core.Memory
		table   string
		wantErr error
	}{
		{"nil memory", nil, core.TableMessages, core.ErrInvalidInput},
		{"missing table", newMemory(room, agent, "x", nil, false), "", core.ErrInvalidInput},
		{"missing room", newMemory("", agent, "x", nil, false), core.TableMessages, core.ErrInvalidInput},
		{"malformed agent", newMemory(room, "not-a-uuid", "x", nil, false), core.TableMessages, core.ErrInvalidID},
		{"empty embedding", newMemory(room, agent, "x", []float32{}, false), core.TableMessages, core.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := s.Create(ctx, tt.mem, tt.table)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, created)
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	m := newMemory(room, agent, "first", nil, false)
	_, err := s.Create(ctx, m, core.TableMessages)
	require.NoError(t, err)

	again := newMemory(room, agent, "second", nil, false)
	again.ID = m.ID
	_, err = s.Create(ctx, again, core.TableMessages)
	assert.ErrorIs(t, err, core.ErrConstraint)
}

func TestCreateUniqueSkipsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	created, err := s.Create(ctx, newMemory(room, agent, "same", nil, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, newMemory(room, agent, "same", nil, true), core.TableMessages)
	require.NoError(t, err)
	assert.False(t, created, "identical text should be skipped")

	created, err = s.Create(ctx, newMemory(room, agent, "vec one", []float32{1, 0}, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, newMemory(room, agent, "vec two", []float32{1, 0}, true), core.TableMessages)
	require.NoError(t, err)
	assert.False(t, created, "identical embedding should be skipped")

	// Same text in another table or room is not a duplicate.
	created, err = s.Create(ctx, newMemory(room, agent, "same", nil, true), core.TableDocuments)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Create(ctx, newMemory(core.NewUUID(), agent, "same", nil, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	// Without the flag the check is not applied.
	created, err = s.Create(ctx, newMemory(room, agent, "same", nil, false), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.Count(ctx, room, false, core.TableMessages)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCreateUniqueEmptyText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	created, err := s.Create(ctx, newMemory(room, agent, "", []float32{1, 0}, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, newMemory(room, agent, "", []float32{0, 1}, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created, "empty text alone is not a duplicate")

	created, err = s.Create(ctx, newMemory(room, agent, "", []float32{0, 1}, true), core.TableMessages)
	require.NoError(t, err)
	assert.False(t, created, "identical embedding should be skipped")

	created, err = s.Create(ctx, newMemory(room, agent, "", nil, true), core.TableMessages)
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.Count(ctx, room, false, core.TableMessages)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCountUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	for _, m := range []*core.Memory{
		newMemory(room, agent, "hi", nil, true),
		newMemory(room, agent, "hi", nil, true),
		newMemory(room, agent, "bye", nil, false),
	} {
		_, err := s.Create(ctx, m, core.TableMessages)
		require.NoError(t, err)
	}

	n, err := s.Count(ctx, room, true, core.TableMessages)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Count(ctx, room, true, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Count(ctx, core.NewUUID(), false, core.TableMessages)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetByRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomA, roomB, agent := core.NewUUID(), core.NewUUID(), core.NewUUID()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	add := func(room core.UUID, text string, offset time.Duration) {
		m := newMemory(room, agent, text, nil, false)
		m.CreatedAt = base.Add(offset)
		_, err := s.Create(ctx, m, core.TableMessages)
		require.NoError(t, err)
	}
	add(roomA, "one", 0)
	add(roomA, "two", time.Minute)
	add(roomA, "two", 2*time.Minute)
	add(roomB, "three", 3*time.Minute)

	t.Run("newest first", func(t *testing.T) {
		mems, err := s.GetByRoom(ctx, GetOptions{RoomIDs: []core.UUID{roomA}, TableName: core.TableMessages})
		require.NoError(t, err)
		require.Len(t, mems, 3)
		assert.True(t, mems[0].CreatedAt.Equal(base.Add(2*time.Minute)))
		assert.Equal(t, "one", mems[2].Content.Text)
	})

	t.Run("several rooms with count", func(t *testing.T) {
		mems, err := s.GetByRoom(ctx, GetOptions{RoomIDs: []core.UUID{roomA, roomB}, TableName: core.TableMessages, Count: 2})
		require.NoError(t, err)
		require.Len(t, mems, 2)
		assert.Equal(t, "three", mems[0].Content.Text)
	})

	t.Run("unique", func(t *testing.T) {
		mems, err := s.GetByRoom(ctx, GetOptions{RoomIDs: []core.UUID{roomA}, TableName: core.TableMessages, Unique: true})
		require.NoError(t, err)
		require.Len(t, mems, 2)
		assert.Equal(t, "two", mems[0].Content.Text)
		assert.Equal(t, "one", mems[1].Content.Text)
	})

	t.Run("time window", func(t *testing.T) {
		mems, err := s.GetByRoom(ctx, GetOptions{
			RoomIDs:   []core.UUID{roomA},
			TableName: core.TableMessages,
			Start:     base.Add(30 * time.Second),
			End:       base.Add(time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, mems, 1)
		assert.Equal(t, "two", mems[0].Content.Text)
	})

	t.Run("other table is empty", func(t *testing.T) {
		mems, err := s.GetByRoom(ctx, GetOptions{RoomIDs: []core.UUID{roomA}, TableName: core.TableDocuments})
		require.NoError(t, err)
		assert.Empty(t, mems)
	})

	t.Run("no rooms", func(t *testing.T) {
		_, err := s.GetByRoom(ctx, GetOptions{TableName: core.TableMessages})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})
}

func TestGetByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	a := newMemory(room, agent, "a", nil, false)
	b := newMemory(room, agent, "b", nil, false)
	for _, m := range []*core.Memory{a, b} {
		_, err := s.Create(ctx, m, core.TableMessages)
		require.NoError(t, err)
	}

	mems, err := s.GetByIDs(ctx, []core.UUID{a.ID, b.ID, core.NewUUID()}, core.TableMessages)
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	mems, err = s.GetByIDs(ctx, nil, core.TableMessages)
	require.NoError(t, err)
	assert.Empty(t, mems)
}

func TestSearchByEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	add := func(text string, emb []float32, offset time.Duration) *core.Memory {
		m := newMemory(room, agent, text, emb, false)
		m.CreatedAt = base.Add(offset)
		_, err := s.Create(ctx, m, core.TableMessages)
		require.NoError(t, err)
		return m
	}
	x := add("x axis", []float32{1, 0, 0}, 0)
	xNewer := add("x axis again", []float32{1, 0, 0}, time.Minute)
	add("y axis", []float32{0, 1, 0}, 2*time.Minute)
	add("no embedding", nil, 3*time.Minute)

	t.Run("threshold and tie order", func(t *testing.T) {
		hits, err := s.SearchByEmbedding(ctx, []float32{1, 0, 0}, SearchOptions{TableName: core.TableMessages, Threshold: 0.5})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, xNewer.ID, hits[0].ID)
		assert.Equal(t, x.ID, hits[1].ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	})

	t.Run("count", func(t *testing.T) {
		hits, err := s.SearchByEmbedding(ctx, []float32{1, 0, 0}, SearchOptions{TableName: core.TableMessages, Threshold: -1, Count: 1})
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("room filter", func(t *testing.T) {
		hits, err := s.SearchByEmbedding(ctx, []float32{1, 0, 0}, SearchOptions{TableName: core.TableMessages, RoomID: core.NewUUID()})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		_, err := s.SearchByEmbedding(ctx, []float32{1, 0, 0}, SearchOptions{TableName: core.TableMessages, Threshold: 2})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})
}

func TestSearchDimensionMismatch(t *testing.T) {
	db := storetest.NewManager(t, func(c *core.Config) { c.VectorDim = 3 })
	s := NewStore(db)

	_, err := s.SearchByEmbedding(context.Background(), []float32{1, 0}, SearchOptions{TableName: core.TableMessages})
	assert.ErrorIs(t, err, core.ErrInvalidDimension)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	a := newMemory(room, agent, "a", nil, false)
	b := newMemory(room, agent, "b", nil, false)
	for _, m := range []*core.Memory{a, b} {
		_, err := s.Create(ctx, m, core.TableMessages)
		require.NoError(t, err)
	}

	require.NoError(t, s.Remove(ctx, a.ID, core.TableMessages))
	_, found, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, found)

	// Unknown ids are fine.
	require.NoError(t, s.Remove(ctx, core.NewUUID(), core.TableMessages))

	require.NoError(t, s.RemoveAll(ctx, room, core.TableMessages))
	n, err := s.Count(ctx, room, false, core.TableMessages)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetCachedEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	_, err := s.Create(ctx, newMemory(room, agent, "good morning", []float32{0.5, 0.5}, false), core.TableMessages)
	require.NoError(t, err)
	_, err = s.Create(ctx, newMemory(room, agent, "something else entirely", []float32{0.1, 0.9}, false), core.TableMessages)
	require.NoError(t, err)

	hits, err := s.GetCachedEmbeddings(ctx, similarity.CacheQuery{
		TableName: core.TableMessages,
		Threshold: 0.8,
		Input:     "good mornin",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "good morning", hits[0].SourceText)
	assert.Equal(t, []float32{0.5, 0.5}, hits[0].Embedding)
}

func TestConcurrentUniqueCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room, agent := core.NewUUID(), core.NewUUID()

	const workers = 8
	results := make(chan bool, workers)
	errs := make(chan error, workers)
	for range workers {
		go func() {
			created, err := s.Create(ctx, newMemory(room, agent, "racing", nil, true), core.TableMessages)
			results <- created
			errs <- err
		}()
	}

	var createdCount int
	for range workers {
		require.NoError(t, <-errs)
		if <-results {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)
}
