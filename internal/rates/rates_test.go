package rates

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

func TestRoundWeight(t *testing.T) {
	tests := []struct {
		input float64
		want  int
	}{
		{10, 10},
		{10.49, 10},
		{10.5, 11},
		{10.51, 11},
		{0.5, 1},
		{0.49, 0},
		{149.5, 150},
		{150.5, 151},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.input), func(t *testing.T) {
			assert.Equal(t, tt.want, RoundWeight(tt.input))
		})
	}
}

func TestSchedule_Invariants(t *testing.T) {
	rows := Schedule()
	assert.Len(t, rows, 7*150)

	for _, row := range rows {
		require.NoError(t, row.Validate())
	}

	// Prices grow with weight and zone
	row10 := scheduleRow(5, 10)
	row11 := scheduleRow(5, 11)
	row10z6 := scheduleRow(6, 10)
	assert.Less(t, row10.ExpressSaver, row11.ExpressSaver)
	assert.Less(t, row10.ExpressSaver, row10z6.ExpressSaver)
}

func TestStaticTable_Lookup(t *testing.T) {
	table := NewDefaultTable()
	assert.Equal(t, 7*150, table.Len())

	tests := []struct {
		name       string
		zone       int
		weight     float64
		wantFound  bool
		wantWeight int
	}{
		{"Exact pair", 5, 10, true, 10},
		{"Fraction below half rounds down", 5, 10.4, true, 10},
		{"Half rounds up", 5, 10.5, true, 11},
		{"Lowest pair", 2, 1, true, 1},
		{"Highest pair", 8, 150, true, 150},
		{"Zone too low", 1, 10, false, 0},
		{"Zone too high", 9, 10, false, 0},
		{"Unresolved zone", 0, 10, false, 0},
		{"Weight rounds to zero", 5, 0.4, false, 0},
		{"Weight above table", 5, 150.5, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, found, err := table.Lookup(context.Background(), tt.zone, tt.weight)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			if tt.wantFound {
				assert.Equal(t, tt.zone, row.Zone)
				assert.Equal(t, tt.wantWeight, row.Weight)
			}
		})
	}
}

func TestNewStaticTable_RejectsBadRows(t *testing.T) {
	good := scheduleRow(3, 20)

	t.Run("Tier ordering violated", func(t *testing.T) {
		bad := good
		bad.TwoDay = bad.ExpressSaver - 1
		_, err := NewStaticTable([]types.RateRow{bad})
		assert.Error(t, err)
	})

	t.Run("Duplicate pair", func(t *testing.T) {
		_, err := NewStaticTable([]types.RateRow{good, good})
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("Out of domain", func(t *testing.T) {
		bad := good
		bad.Zone = 9
		_, err := NewStaticTable([]types.RateRow{bad})
		assert.Error(t, err)
	})
}

func TestSQLiteRepository(t *testing.T) {
	ctx := context.Background()
	repo := createTestSQLite(t, true)

	row, found, err := repo.Lookup(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, scheduleRow(5, 10), row)

	_, found, err = repo.Lookup(ctx, 9, 10)
	require.NoError(t, err)
	assert.False(t, found)

	row, found, err = repo.Lookup(ctx, 8, 149.5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 150, row.Weight)
}

func TestSQLiteRepository_Unseeded(t *testing.T) {
	ctx := context.Background()
	repo := createTestSQLite(t, false)

	// In-domain pair with no row is a miss, not an error
	_, found, err := repo.Lookup(ctx, 5, 10)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Insert(ctx, []types.RateRow{scheduleRow(5, 10)}))
	_, found, err = repo.Lookup(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, found)

	bad := scheduleRow(5, 11)
	bad.FirstOvernight = 0
	assert.Error(t, repo.Insert(ctx, []types.RateRow{bad}))
}

func TestSQLiteRepository_SeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "rates.db")
	logger := quietLogger()

	first, err := OpenSQLite(ctx, SQLiteConfig{DSN: dsn, Seed: true}, logger)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, SQLiteConfig{DSN: dsn, Seed: true}, logger)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rates`).Scan(&count))
	assert.Equal(t, 7*150, count)
}

func TestSQLiteRepository_ClosedStore(t *testing.T) {
	repo := createTestSQLite(t, true)
	require.NoError(t, repo.Close())

	_, _, err := repo.Lookup(context.Background(), 5, 10)
	assert.ErrorIs(t, err, ErrRateStore)
}

func TestOpenSQLite_RequiresDSN(t *testing.T) {
	_, err := OpenSQLite(context.Background(), SQLiteConfig{}, quietLogger())
	assert.Error(t, err)
}

type codedError struct{ code int }

func (e codedError) Error() string { return fmt.Sprintf("sqlite error %d", e.code) }
func (e codedError) Code() int     { return e.code }

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(codedError{5}))
	assert.True(t, isBusy(fmt.Errorf("wrapped: %w", codedError{517})))
	assert.False(t, isBusy(codedError{19}))
	assert.False(t, isBusy(errors.New("plain")))
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func createTestSQLite(t *testing.T, seed bool) *SQLiteRepository {
	t.Helper()

	repo, err := OpenSQLite(context.Background(), SQLiteConfig{
		DSN:  filepath.Join(t.TempDir(), "rates.db"),
		Seed: seed,
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}
