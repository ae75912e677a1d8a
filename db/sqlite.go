package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"aerial-refine/models"
	"aerial-refine/utils"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	// Create the directory if it doesn't exist (cross-platform)
	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %s", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000" // 5 seconds
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %s", err)
	}

	err = createTables(db)
	if err != nil {
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &SQLiteClient{db: db}, nil
}

// createTables creates the required tables if they don't exist
func createTables(db *sql.DB) error {
	createRunsTable := `
    CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        started_at DATETIME NOT NULL,
        finished_at DATETIME,
        config_path TEXT
    );
    `

	createStageStatsTable := `
    CREATE TABLE IF NOT EXISTS stage_stats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        stage TEXT NOT NULL,
        skipped INTEGER NOT NULL DEFAULT 0,
        reason TEXT,
        total_images INTEGER NOT NULL DEFAULT 0,
        detections_in INTEGER NOT NULL DEFAULT 0,
        detections_out INTEGER NOT NULL DEFAULT 0,
        total_adjustments INTEGER NOT NULL DEFAULT 0,
        rules_loaded INTEGER NOT NULL DEFAULT 0,
        malformed_lines INTEGER NOT NULL DEFAULT 0,
        elapsed_seconds REAL NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_stage_stats_run ON stage_stats(run_id);
    `

	createAdjustmentsTable := `
    CREATE TABLE IF NOT EXISTS adjustments (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        image_name TEXT NOT NULL,
        action TEXT NOT NULL,
        rule_pair TEXT NOT NULL,
        object_1 TEXT NOT NULL,
        conf_1_before REAL NOT NULL,
        conf_1_after REAL NOT NULL,
        object_2 TEXT NOT NULL,
        conf_2_before REAL NOT NULL,
        conf_2_after REAL NOT NULL,
        suppressed_object TEXT,
        kept_object TEXT,
        kept_object_conf REAL
    );
    CREATE INDEX IF NOT EXISTS idx_adjustments_run ON adjustments(run_id);
    CREATE INDEX IF NOT EXISTS idx_adjustments_image ON adjustments(image_name);
    `

	createMetricsTable := `
    CREATE TABLE IF NOT EXISTS metrics (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        stage TEXT NOT NULL,
        class_name TEXT,
        ap50 REAL NOT NULL,
        ap75 REAL NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id);
    `

	for _, stmt := range []string{createRunsTable, createStageStatsTable, createAdjustmentsTable, createMetricsTable} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error creating table: %s", err)
		}
	}

	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// CreateRun records the start of a pipeline run
func (db *SQLiteClient) CreateRun(run models.Run) error {
	_, err := db.db.Exec(
		"INSERT INTO runs (id, started_at, config_path) VALUES (?, ?, ?)",
		run.ID, run.StartedAt, run.ConfigPath,
	)
	if err != nil {
		return fmt.Errorf("error storing run: %s", err)
	}
	return nil
}

// FinishRun stamps a run as completed
func (db *SQLiteClient) FinishRun(runID string, finishedAt time.Time) error {
	_, err := db.db.Exec("UPDATE runs SET finished_at = ? WHERE id = ?", finishedAt, runID)
	if err != nil {
		return fmt.Errorf("error finishing run: %s", err)
	}
	return nil
}

// GetRun retrieves a run by id
func (db *SQLiteClient) GetRun(runID string) (models.Run, bool, error) {
	row := db.db.QueryRow("SELECT id, started_at, finished_at, config_path FROM runs WHERE id = ?", runID)

	var run models.Run
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.StartedAt, &finishedAt, &run.ConfigPath)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Run{}, false, nil
		}
		return models.Run{}, false, fmt.Errorf("error retrieving run: %s", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, true, nil
}

// SaveStageStats stores the summary of one pipeline stage
func (db *SQLiteClient) SaveStageStats(runID string, stats models.StageStats) error {
	skippedInt := 0
	if stats.Skipped {
		skippedInt = 1
	}

	_, err := db.db.Exec(`
		INSERT INTO stage_stats (
			run_id, stage, skipped, reason, total_images, detections_in,
			detections_out, total_adjustments, rules_loaded, malformed_lines,
			elapsed_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		stats.Stage,
		skippedInt,
		stats.Reason,
		stats.TotalImages,
		stats.DetectionsIn,
		stats.DetectionsOut,
		stats.TotalAdjustments,
		stats.RulesLoaded,
		stats.MalformedLines,
		stats.ElapsedSeconds,
	)
	if err != nil {
		return fmt.Errorf("error storing stage stats: %s", err)
	}
	return nil
}

// SaveAdjustments stores a batch of refinement adjustments in one transaction
func (db *SQLiteClient) SaveAdjustments(runID string, records []models.AdjustmentRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %s", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO adjustments (
			run_id, image_name, action, rule_pair, object_1, conf_1_before,
			conf_1_after, object_2, conf_2_before, conf_2_after,
			suppressed_object, kept_object, kept_object_conf
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error preparing statement: %s", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var keptConf interface{}
		if rec.Action == models.ActionPenalty {
			keptConf = rec.KeptObjectConf
		}
		if _, err := stmt.Exec(
			runID, rec.ImageName, rec.Action, rec.RulePair,
			rec.Object1, rec.Conf1Before, rec.Conf1After,
			rec.Object2, rec.Conf2Before, rec.Conf2After,
			rec.SuppressedObject, rec.KeptObject, keptConf,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("error executing statement: %s", err)
		}
	}

	return tx.Commit()
}

// AdjustmentsForImage retrieves the stored adjustments for one image
func (db *SQLiteClient) AdjustmentsForImage(runID, imageName string) ([]models.AdjustmentRecord, error) {
	rows, err := db.db.Query(`
		SELECT image_name, action, rule_pair, object_1, conf_1_before,
		       conf_1_after, object_2, conf_2_before, conf_2_after,
		       suppressed_object, kept_object, COALESCE(kept_object_conf, 0)
		FROM adjustments
		WHERE run_id = ? AND image_name = ?
		ORDER BY id
	`, runID, imageName)
	if err != nil {
		return nil, fmt.Errorf("error querying adjustments: %s", err)
	}
	defer rows.Close()

	var records []models.AdjustmentRecord
	for rows.Next() {
		var rec models.AdjustmentRecord
		err := rows.Scan(
			&rec.ImageName, &rec.Action, &rec.RulePair,
			&rec.Object1, &rec.Conf1Before, &rec.Conf1After,
			&rec.Object2, &rec.Conf2Before, &rec.Conf2After,
			&rec.SuppressedObject, &rec.KeptObject, &rec.KeptObjectConf,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning adjustment: %s", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// SaveEvaluation stores per-class APs plus the mean row for one stage
func (db *SQLiteClient) SaveEvaluation(runID string, result models.EvaluationResult) error {
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %s", err)
	}

	stmt, err := tx.Prepare("INSERT INTO metrics (run_id, stage, class_name, ap50, ap75) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error preparing statement: %s", err)
	}
	defer stmt.Close()

	if _, err := stmt.Exec(runID, result.Stage, nil, result.MAP50, result.MAP75); err != nil {
		tx.Rollback()
		return fmt.Errorf("error executing statement: %s", err)
	}
	for _, class := range result.PerClass {
		if _, err := stmt.Exec(runID, result.Stage, class.ClassName, class.AP50, class.AP75); err != nil {
			tx.Rollback()
			return fmt.Errorf("error executing statement: %s", err)
		}
	}

	return tx.Commit()
}
