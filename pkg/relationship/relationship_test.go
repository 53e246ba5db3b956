package relationship

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/agentstore/internal/storetest"
	"github.com/liliang-cn/agentstore/pkg/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storetest.NewManager(t))
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := core.NewUUID(), core.NewUUID()

	created, err := s.Create(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, created, "reverse pair is the same relationship")

	for _, pair := range [][2]core.UUID{{a, b}, {b, a}} {
		rel, found, err := s.Get(ctx, pair[0], pair[1])
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, a, rel.UserA)
		assert.Equal(t, b, rel.UserB)
		assert.Equal(t, a, rel.UserID)
	}

	_, found, err := s.Get(ctx, a, core.NewUUID())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := core.NewUUID()

	_, err := s.Create(ctx, a, a)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = s.Create(ctx, a, "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = s.Create(ctx, a, "6F9619FF-8B86-D011-B42D-00C04FC964FF")
	assert.ErrorIs(t, err, core.ErrInvalidID)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, c, d := core.NewUUID(), core.NewUUID(), core.NewUUID(), core.NewUUID()

	for _, p := range [][2]core.UUID{{a, b}, {c, a}, {c, d}} {
		_, err := s.Create(ctx, p[0], p[1])
		require.NoError(t, err)
	}

	rels, err := s.List(ctx, a)
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	rels, err = s.List(ctx, core.NewUUID())
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestConcurrentCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := core.NewUUID(), core.NewUUID()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			ok, err := s.Create(ctx, x, y)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	rels, err := s.List(ctx, a)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}
