package partition

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSizeIsTenMillionBlocks(t *testing.T) {
	assert.Equal(t, uint64(10_000_000), Size)
}

func TestEnsurePartitionsExistPropagatesBootstrapProbeFailure(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nouser@127.0.0.1:1/nodb?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	defer db.Close()

	m := New(db, zap.NewNop())
	err = m.EnsurePartitionsExist(context.Background(), 5_000_000)

	assert.Error(t, err, "an unreachable database must surface as an error on the first bootstrap probe")
	assert.False(t, m.bootstrapped.Load(), "a failed probe must not mark the manager bootstrapped")
}

func TestEnsurePartitionsExistCachesWithinSamePartitionWithoutReprobing(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nouser@127.0.0.1:1/nodb?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	defer db.Close()

	m := New(db, zap.NewNop())
	m.bootstrapped.Store(true)
	m.currentMax.Store(0)

	// block 1 sits in partition 0, already covered by currentMax, so this
	// must short-circuit before ever touching the (unreachable) database.
	err = m.EnsurePartitionsExist(context.Background(), 1)
	assert.NoError(t, err)
}
