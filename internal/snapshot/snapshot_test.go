package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/stage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testView(t *testing.T, level stage.DataLevel, at time.Time) *service.View {
	t.Helper()
	raw, err := stage.Decode([]byte(`{
	  "A": {"object_type": "collection", "objects": {"f1": {"object_type": "dataobject"}}},
	  "B": {"object_type": "collection", "objects": {"sub": {"object_type": "collection", "objects": {"f2": {"object_type": "dataobject"}}}}}
	}`))
	require.NoError(t, err)
	v := service.NewView(raw, level)
	v.Source = "file"
	v.FetchedAt = at
	return v
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.Save(ctx, testView(t, stage.LevelStudy, at))
	require.NoError(t, err)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, "file", r.Source)
	assert.True(t, at.Equal(r.TakenAt))
	assert.Equal(t, stage.Summary{Level: stage.LevelStudy, Unparsed: 2, Roots: 1, Studies: 1, Datasets: 1, Files: 1}, r.Summary)
	assert.Contains(t, string(r.Tree), `"name":"B"`)
	assert.Contains(t, string(r.Tree), `"schema":"study"`)
}

func TestLatestAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Save(ctx, testView(t, stage.LevelDataset, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)
	assert.NotEmpty(t, latest.Tree)

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
	assert.Nil(t, list[0].Tree)
	assert.Equal(t, 2, list[0].Summary.Roots)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGet_Missing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_EmptyTree(t *testing.T) {
	s := openTestStore(t)
	v := service.NewView(stage.NewMapping(), stage.LevelDataset)

	id, err := s.Save(context.Background(), v)
	require.NoError(t, err)

	r, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(r.Tree))
	assert.Equal(t, 0, r.Summary.Unparsed)
}
