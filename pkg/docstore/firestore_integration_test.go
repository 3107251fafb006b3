//go:build integration

package docstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ticket struct {
	Title     string    `firestore:"title"`
	Status    string    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func TestFirestoreStore_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	client, err := firestore.NewClient(ctx, "test-project")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := docstore.NewFirestoreStore[ticket](client, zerolog.Nop())
	require.NoError(t, err)

	collection := fmt.Sprintf("tickets-%d", time.Now().UnixNano())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := "open"
		if i == 2 {
			status = "closed"
		}
		tk := ticket{Title: fmt.Sprintf("t%d", i), Status: status, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, store.WriteDocument(ctx, collection, fmt.Sprintf("doc-%d", i), tk))
	}

	q := docstore.Query{Collection: collection, OrderBy: "createdAt", Direction: docstore.Desc, PageSize: 2}

	t.Run("paginates in order", func(t *testing.T) {
		first, err := store.ReadPage(ctx, q, docstore.Cursor{})
		require.NoError(t, err)
		require.Len(t, first.Items, 2)
		assert.True(t, first.HasMore)
		assert.Equal(t, "t4", first.Items[0].Data.Title)

		var all []string
		page := first
		for {
			for _, d := range page.Items {
				all = append(all, d.Data.Title)
			}
			if !page.HasMore {
				break
			}
			page, err = store.ReadPage(ctx, q, page.Next)
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"t4", "t3", "t2", "t1", "t0"}, all)
	})

	t.Run("applies constraints", func(t *testing.T) {
		open := q
		open.PageSize = 10
		open.Constraints = []docstore.Constraint{{Field: "status", Op: "==", Value: "open"}}
		page, err := store.ReadPage(ctx, open, docstore.Cursor{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 4)
		assert.False(t, page.HasMore)
	})
}
