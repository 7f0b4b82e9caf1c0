package checkpoints

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Ledger is a SQLite record of every run, epoch and evaluation result kept
// next to the experiment directory. It survives resumes, so a single file
// answers "which run produced the best x4 model" across restarts.
type Ledger struct {
	db    *sql.DB
	runID string
}

// OpenLedger opens (or creates) the ledger at path and registers runID.
func OpenLedger(path, runID, config string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	// A single connection keeps SQLite writes serialised.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			config TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS epochs(
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			learning_rate REAL,
			loss REAL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY(run_id, epoch)
		)`,
		`CREATE TABLE IF NOT EXISTS psnr(
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			dataset TEXT,
			scale INTEGER NOT NULL,
			psnr REAL NOT NULL,
			is_best INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(run_id, epoch, scale)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "initialise ledger schema")
		}
	}

	_, err = db.Exec(`INSERT OR IGNORE INTO runs(id, started_at, config) VALUES(?,?,?)`,
		runID, time.Now().UTC().Format(time.RFC3339), config)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "register run")
	}
	return &Ledger{db: db, runID: runID}, nil
}

// RecordEpoch stores the learning rate and mean training loss of an epoch.
func (l *Ledger) RecordEpoch(epoch int, lr, loss float64) error {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO epochs(run_id, epoch, learning_rate, loss, recorded_at) VALUES(?,?,?,?,?)`,
		l.runID, epoch, lr, loss, time.Now().UTC().Format(time.RFC3339))
	return errors.Wrapf(err, "record epoch %d", epoch)
}

// RecordPSNR stores one evaluation result.
func (l *Ledger) RecordPSNR(epoch int, dataset string, scale int, psnr float64, isBest bool) error {
	best := 0
	if isBest {
		best = 1
	}
	_, err := l.db.Exec(`INSERT OR REPLACE INTO psnr(run_id, epoch, dataset, scale, psnr, is_best) VALUES(?,?,?,?,?,?)`,
		l.runID, epoch, dataset, scale, psnr, best)
	return errors.Wrapf(err, "record psnr epoch %d x%d", epoch, scale)
}

// BestPSNR returns the best recorded PSNR for scale in this run and the
// epoch it was reached at.
func (l *Ledger) BestPSNR(scale int) (float64, int, error) {
	var psnr float64
	var epoch int
	err := l.db.QueryRow(`SELECT psnr, epoch FROM psnr WHERE run_id = ? AND scale = ? ORDER BY psnr DESC, epoch ASC LIMIT 1`,
		l.runID, scale).Scan(&psnr, &epoch)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "best psnr x%d", scale)
	}
	return psnr, epoch, nil
}

// Epochs returns how many epochs this run has recorded.
func (l *Ledger) Epochs() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM epochs WHERE run_id = ?`, l.runID).Scan(&n)
	return n, errors.Wrap(err, "count epochs")
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
