package docstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPager_LoadAndLoadMore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, docstore.DefaultConfig())
	src := docstore.NewSource[call](h.facade, newFakeReader(5))
	pager := docstore.NewPager(src, callsQuery)

	// Act
	require.NoError(t, pager.Load(ctx))
	require.True(t, pager.HasMore())
	require.NoError(t, pager.LoadMore(ctx))
	require.NoError(t, pager.LoadMore(ctx))

	// Assert
	items := pager.Items()
	require.Len(t, items, 5)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "e", items[4].ID)
	assert.False(t, pager.HasMore())

	// LoadMore past the end is a no-op.
	require.NoError(t, pager.LoadMore(ctx))
	assert.Len(t, pager.Items(), 5)

	// Load resets to the first page.
	require.NoError(t, pager.Load(ctx))
	assert.Len(t, pager.Items(), 2)
}

func TestPager_LateLoadMoreIsSuperseded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, docstore.DefaultConfig())
	reader := newFakeReader(4)
	src := docstore.NewSource[call](h.facade, reader)
	pager := docstore.NewPager(src, callsQuery)
	require.NoError(t, pager.Load(ctx))

	// Hold the next page read until after a refresh has landed.
	entered := make(chan struct{})
	release := make(chan struct{})
	reader.ReadFunc = func(context.Context, docstore.Query, docstore.Cursor) (docstore.Page[call], error) {
		close(entered)
		<-release
		return docstore.Page[call]{Items: []docstore.Document[call]{{ID: "late"}}}, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- pager.LoadMore(ctx) }()
	<-entered

	reader.mu.Lock()
	reader.ReadFunc = nil
	reader.mu.Unlock()
	require.NoError(t, pager.Refresh(ctx))
	close(release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, docstore.ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("LoadMore did not return")
	}
	for _, doc := range pager.Items() {
		assert.NotEqual(t, "late", doc.ID)
	}
	assert.Len(t, pager.Items(), 2)
}
