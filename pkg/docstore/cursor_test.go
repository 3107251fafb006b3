package docstore_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 123, time.UTC)
	c := docstore.Cursor{Values: []any{ts, "doc-9"}}

	token, err := c.Encode()
	require.NoError(t, err)
	assert.NotContains(t, token, "=")

	got, err := docstore.DecodeCursor(token)
	require.NoError(t, err)
	require.Len(t, got.Values, 2)
	assert.True(t, ts.Equal(got.Values[0].(time.Time)))
	assert.Equal(t, "doc-9", got.Values[1])

	t.Run("zero cursor", func(t *testing.T) {
		token, err := docstore.Cursor{}.Encode()
		require.NoError(t, err)
		assert.Empty(t, token)
		got, err := docstore.DecodeCursor("")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("integers stay integers", func(t *testing.T) {
		token, err := docstore.Cursor{Values: []any{int64(42)}}.Encode()
		require.NoError(t, err)
		got, err := docstore.DecodeCursor(token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.Values[0])
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := docstore.DecodeCursor("!!!")
		assert.Error(t, err)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := docstore.Cursor{Values: []any{struct{}{}}}.Encode()
		assert.Error(t, err)
	})
}
