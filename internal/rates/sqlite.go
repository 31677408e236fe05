package rates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const (
	sqliteBusy = 5 // SQLITE_BUSY primary result code

	defaultBusyRetries = 3
	defaultBusyBackoff = 50 * time.Millisecond
)

const rateSchema = `
CREATE TABLE IF NOT EXISTS rates (
	zone               INTEGER NOT NULL,
	weight             INTEGER NOT NULL,
	express_saver      REAL NOT NULL,
	two_day            REAL NOT NULL,
	two_day_am         REAL NOT NULL,
	standard_overnight REAL NOT NULL,
	priority_overnight REAL NOT NULL,
	first_overnight    REAL NOT NULL,
	PRIMARY KEY (zone, weight)
);
`

// SQLiteConfig configures the SQLite rate store
type SQLiteConfig struct {
	DSN          string        `yaml:"dsn"`
	Seed         bool          `yaml:"seed"`
	BusyRetries  int           `yaml:"busy_retries"`
	BusyBackoff  time.Duration `yaml:"busy_backoff"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SQLiteRepository serves rate lookups from a SQLite database
type SQLiteRepository struct {
	db     *sql.DB
	config SQLiteConfig
	logger *logrus.Logger
}

// OpenSQLite opens the database, applies the schema and seeds it from
// Schedule when the table is empty and seeding is enabled.
func OpenSQLite(ctx context.Context, config SQLiteConfig, logger *logrus.Logger) (*SQLiteRepository, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("sqlite rate store requires a DSN")
	}
	if config.BusyRetries <= 0 {
		config.BusyRetries = defaultBusyRetries
	}
	if config.BusyBackoff <= 0 {
		config.BusyBackoff = defaultBusyBackoff
	}

	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrRateStore, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: exec %s: %v", ErrRateStore, pragma, err)
		}
	}

	repo := &SQLiteRepository{db: db, config: config, logger: logger}

	if _, err := db.ExecContext(ctx, rateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrRateStore, err)
	}

	if config.Seed {
		if err := repo.seed(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return repo, nil
}

func (r *SQLiteRepository) seed(ctx context.Context) error {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rates`).Scan(&count); err != nil {
		return fmt.Errorf("%w: count rows: %v", ErrRateStore, err)
	}
	if count > 0 {
		return nil
	}

	return r.Insert(ctx, Schedule())
}

// Insert writes rows in a single transaction. Rows must validate.
func (r *SQLiteRepository) Insert(ctx context.Context, rows []types.RateRow) error {
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return fmt.Errorf("invalid rate row: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrRateStore, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO rates
		(zone, weight, express_saver, two_day, two_day_am, standard_overnight, priority_overnight, first_overnight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", ErrRateStore, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Zone, row.Weight, row.ExpressSaver, row.TwoDay, row.TwoDayAM,
			row.StandardOvernight, row.PriorityOvernight, row.FirstOvernight); err != nil {
			return fmt.Errorf("%w: insert zone %d weight %d: %v", ErrRateStore, row.Zone, row.Weight, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrRateStore, err)
	}

	r.logger.WithField("rows", len(rows)).Info("Rate table seeded")
	return nil
}

// Lookup implements Repository
func (r *SQLiteRepository) Lookup(ctx context.Context, zone int, weightLbs float64) (types.RateRow, bool, error) {
	weight := RoundWeight(weightLbs)
	if !InDomain(zone, weight) {
		return types.RateRow{}, false, nil
	}

	if r.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.QueryTimeout)
		defer cancel()
	}

	var row types.RateRow
	var err error
	for attempt := 0; attempt <= r.config.BusyRetries; attempt++ {
		if attempt > 0 {
			delay := r.config.BusyBackoff * time.Duration(1<<(attempt-1))
			r.logger.WithFields(logrus.Fields{
				"zone":    zone,
				"weight":  weight,
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Rate store busy, retrying")

			select {
			case <-ctx.Done():
				return types.RateRow{}, false, fmt.Errorf("%w: %v", ErrRateStore, ctx.Err())
			case <-time.After(delay):
			}
		}

		row, err = r.queryRow(ctx, zone, weight)
		if err == nil {
			return row, true, nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return types.RateRow{}, false, nil
		}
		if !isBusy(err) {
			break
		}
	}

	return types.RateRow{}, false, fmt.Errorf("%w: lookup zone %d weight %d: %v", ErrRateStore, zone, weight, err)
}

func (r *SQLiteRepository) queryRow(ctx context.Context, zone, weight int) (types.RateRow, error) {
	row := types.RateRow{Zone: zone, Weight: weight}
	err := r.db.QueryRowContext(ctx, `SELECT express_saver, two_day, two_day_am, standard_overnight,
		priority_overnight, first_overnight FROM rates WHERE zone = ? AND weight = ?`, zone, weight).
		Scan(&row.ExpressSaver, &row.TwoDay, &row.TwoDayAM, &row.StandardOvernight,
			&row.PriorityOvernight, &row.FirstOvernight)
	return row, err
}

// Close implements Repository
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// isBusy matches SQLITE_BUSY and its extended codes
func isBusy(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()&0xff == sqliteBusy
	}
	return false
}

var _ Repository = (*SQLiteRepository)(nil)
