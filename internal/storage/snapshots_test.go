package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trm-dispatch-stats/internal/statistics"
)

func TestSnapshotColumnsHaveFields(t *testing.T) {
	var snap statistics.Snapshot
	fields := snapshotFields(&snap)
	special := map[string]bool{"stat_date": true, "orders_by_status": true, "average_trm_source": true}

	for _, col := range snapshotColumns {
		if special[col] {
			continue
		}
		f, ok := fields[col]
		require.True(t, ok, "column %s has no field", col)
		_, isDecimal := f.(*decimal.Decimal)
		require.Equal(t, numericColumns[col], isDecimal, "numeric flag mismatch for %s", col)
	}
	require.Len(t, fields, len(snapshotColumns)-len(special))
}

func TestSnapshotSQLPlaceholders(t *testing.T) {
	require.Contains(t, insertSnapshotSQL, "$1::date")
	require.Contains(t, insertSnapshotSQL, "$7::jsonb")
	require.Contains(t, insertSnapshotSQL, "$50")
	require.NotContains(t, insertSnapshotSQL, "$51")
	require.True(t, strings.HasPrefix(selectSnapshotSQL, "SELECT"))
	require.Contains(t, selectSnapshotSQL, "average_trm::text")
	require.Contains(t, listSnapshotsBetweenSQL, "stat_date <= $2::date")
}

func TestSnapshotArgs(t *testing.T) {
	loc := time.FixedZone("COT", -5*3600)
	s := NewStore(nil, loc)
	snap := statistics.Snapshot{
		Date:             time.Date(2024, 3, 5, 23, 0, 0, 0, loc),
		OrdersCreated:    3,
		OrdersByStatus:   map[string]int{"approved": 2, "draft": 1},
		AverageTRM:       decimal.NewFromInt(4000),
		AverageTRMSource: statistics.DayRateFromDispatch,
		ComputedAt:       time.Date(2024, 3, 6, 1, 0, 0, 0, loc),
	}

	args, err := s.snapshotArgs(snap)
	require.NoError(t, err)
	require.Len(t, args, len(snapshotColumns))

	byCol := make(map[string]any, len(args))
	for i, col := range snapshotColumns {
		byCol[col] = args[i]
	}
	require.Equal(t, "2024-03-05", byCol["stat_date"])
	require.Equal(t, 3, byCol["orders_created"])
	require.Equal(t, "4000", byCol["average_trm"])
	require.Equal(t, "0", byCol["created_value_usd"])
	require.Equal(t, "dispatch", byCol["average_trm_source"])
	require.JSONEq(t, `{"approved":2,"draft":1}`, byCol["orders_by_status"].(string))
}

func TestStoreWithoutPool(t *testing.T) {
	s := NewStore(nil, nil)
	_, err := s.ListRecentSnapshots(testContext(t), 5)
	require.ErrorIs(t, err, ErrNotConfigured)
	err = s.ReplaceSnapshot(testContext(t), statistics.Snapshot{})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_more.sql", "001_init.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "001_init.sql"), filepath.Join(dir, "002_more.sql")}, files)

	_, err = MigrationFiles(filepath.Join(dir, "absent"))
	require.Error(t, err)
}
