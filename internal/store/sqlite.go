// internal/store/sqlite.go
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultDBFile is used when no path is configured.
const DefaultDBFile = "beatsync.sqlite3"

var (
	ErrNilClient   = errors.New("db client is nil")
	ErrRunNotFound = errors.New("run not found")
)

// Run is one analysis session: a file or a live capture.
type Run struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	Source     string `gorm:"index:idx_run_source"`
	SampleRate int
	FrameSize  int
	// Summary, filled in by FinishRun
	DurationMs     int64
	Hops           uint64
	SkippedHops    uint64
	Onsets         int
	HasTempo       bool
	FinalBPM       float64
	RhythmStrength float64
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// OnsetRecord is one fired onset with the tempo state at that hop.
type OnsetRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"type:varchar(36);index:idx_onset_run"`
	Timestamp  uint64
	Strength   float64
	Confidence float64
	Detectors  string
	Dominant   string
	Agreement  int
	Pulse      float64
	HasTempo   bool
	BPM        float64
}

// DBClient persists analysis runs in SQLite.
type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// as needed.
func Open(path string) (*DBClient, error) {
	if path == "" {
		path = DefaultDBFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}
	// a single writer keeps SQLite from reporting SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Run{}, &OnsetRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

// Close releases the database.
func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CreateRun stores a new run and returns its generated ID.
func (c *DBClient) CreateRun(source string, sampleRate, frameSize int) (string, error) {
	if c == nil || c.DB == nil {
		return "", ErrNilClient
	}
	run := Run{
		ID:         uuid.NewString(),
		Source:     source,
		SampleRate: sampleRate,
		FrameSize:  frameSize,
	}
	if err := c.DB.Create(&run).Error; err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return run.ID, nil
}

// AddOnsets appends onset records to a run in batches.
func (c *DBClient) AddOnsets(runID string, onsets []OnsetRecord) error {
	if c == nil || c.DB == nil {
		return ErrNilClient
	}
	if len(onsets) == 0 {
		return nil
	}
	rows := make([]OnsetRecord, len(onsets))
	for i, o := range onsets {
		o.ID = 0
		o.RunID = runID
		rows[i] = o
	}
	if err := c.DB.CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("batch insert onsets: %w", err)
	}
	return nil
}

// Summary is the end-of-run state written by FinishRun.
type Summary struct {
	DurationMs     int64
	Hops           uint64
	SkippedHops    uint64
	Onsets         int
	HasTempo       bool
	FinalBPM       float64
	RhythmStrength float64
}

// FinishRun records the summary of a completed run.
func (c *DBClient) FinishRun(runID string, s Summary) error {
	if c == nil || c.DB == nil {
		return ErrNilClient
	}
	now := time.Now()
	res := c.DB.Model(&Run{}).Where("id = ?", runID).Updates(map[string]any{
		"duration_ms":     s.DurationMs,
		"hops":            s.Hops,
		"skipped_hops":    s.SkippedHops,
		"onsets":          s.Onsets,
		"has_tempo":       s.HasTempo,
		"final_bpm":       s.FinalBPM,
		"rhythm_strength": s.RhythmStrength,
		"finished_at":     &now,
	})
	if res.Error != nil {
		return fmt.Errorf("updating run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns one run.
func (c *DBClient) GetRun(runID string) (Run, error) {
	if c == nil || c.DB == nil {
		return Run{}, ErrNilClient
	}
	var run Run
	err := c.DB.Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// Runs returns all runs, newest first.
func (c *DBClient) Runs() ([]Run, error) {
	if c == nil || c.DB == nil {
		return nil, ErrNilClient
	}
	var runs []Run
	if err := c.DB.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return runs, nil
}

// Onsets returns a run's onsets in time order.
func (c *DBClient) Onsets(runID string) ([]OnsetRecord, error) {
	if c == nil || c.DB == nil {
		return nil, ErrNilClient
	}
	var rows []OnsetRecord
	if err := c.DB.Where("run_id = ?", runID).Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying onsets: %w", err)
	}
	return rows, nil
}

// DeleteRun removes a run and its onsets.
func (c *DBClient) DeleteRun(runID string) error {
	if c == nil || c.DB == nil {
		return ErrNilClient
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&OnsetRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", runID).Delete(&Run{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil
	})
}
