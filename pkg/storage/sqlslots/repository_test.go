package sqlslots

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"basket/pkg/storage"
	"basket/pkg/storage/memorydriver"
)

func backends(t *testing.T) map[string]*sql.DB {
	t.Helper()

	name, cleanup, err := memorydriver.Register("", nil)
	require.NoError(t, err)
	memDB, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		memDB.Close()
		cleanup()
	})

	liteDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "slots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { liteDB.Close() })

	return map[string]*sql.DB{"memory": memDB, "sqlite": liteDB}
}

func TestRepositoryContract(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, EnsureSchema(ctx, db))
			repo := NewRepository(db)

			_, err := repo.Get(ctx, "areejBasket")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, repo.Set(ctx, "areejBasket", []byte(`[]`)))
			require.NoError(t, repo.Set(ctx, "areejBasket", []byte(`[{"name":"Scarf"}]`)))

			got, err := repo.Get(ctx, "areejBasket")
			require.NoError(t, err)
			assert.Equal(t, `[{"name":"Scarf"}]`, string(got))

			require.NoError(t, repo.Delete(ctx, "areejBasket"))
			require.NoError(t, repo.Delete(ctx, "areejBasket"))

			_, err = repo.Get(ctx, "areejBasket")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, EnsureSchema(ctx, db))
			repo := NewRepository(db)

			require.NoError(t, repo.Set(ctx, "a", []byte("1")))
			require.NoError(t, repo.Set(ctx, "b", []byte("2")))

			a, err := repo.Get(ctx, "a")
			require.NoError(t, err)
			b, err := repo.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "1", string(a))
			assert.Equal(t, "2", string(b))
		})
	}
}
