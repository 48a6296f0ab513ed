package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/shared/storage/memstore"
	"jobmesh/internal/shared/storage/repository"
)

func TestOpen(t *testing.T) {
	t.Run("内存驱动", func(t *testing.T) {
		s, err := Open(Options{Driver: DriverMemory})
		require.NoError(t, err)
		assert.IsType(t, &memstore.Store{}, s)
	})

	t.Run("SQLite 驱动自动建表", func(t *testing.T) {
		s, err := Open(Options{Driver: DriverSQLite, URL: ":memory:"})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &repository.Store{}, s)
		assert.NoError(t, s.Ping(context.Background()))

		jobs, err := s.ListJobDefs(context.Background(), "team")
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("未知驱动", func(t *testing.T) {
		_, err := Open(Options{Driver: "mysql"})
		assert.Error(t, err)
	})
}
