package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"copresence/models"
	"copresence/utils"
)

// SQLiteClient persists the verification history ledger: one row per
// terminal round, queryable for diagnostics and audit.
type SQLiteClient struct {
	db *sql.DB
}

// VerificationRecord is one ledger row.
type VerificationRecord struct {
	ID              string    `json:"id"`
	Participant     string    `json:"participant"`
	EmittedPattern  string    `json:"emittedPattern"`
	DetectedPattern string    `json:"detectedPattern"`
	MatchCount      int       `json:"matchCount"`
	Passed          bool      `json:"passed"`
	FailureCause    string    `json:"failureCause,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	VerifiedAt      time.Time `json:"verifiedAt"`
}

// NewSQLiteClient opens (creating if needed) the ledger database.
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

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &SQLiteClient{db: db}, nil
}

func createTables(db *sql.DB) error {
	createVerificationsTable := `
    CREATE TABLE IF NOT EXISTS verifications (
        id TEXT PRIMARY KEY,
        participant TEXT NOT NULL,
        emitted_pattern TEXT NOT NULL,
        detected_pattern TEXT NOT NULL DEFAULT '',
        match_count INTEGER NOT NULL DEFAULT 0,
        passed INTEGER NOT NULL DEFAULT 0,
        failure_cause TEXT,
        created_at DATETIME NOT NULL,
        verified_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_verifications_verified_at ON verifications(verified_at);
    CREATE INDEX IF NOT EXISTS idx_verifications_participant ON verifications(participant);
    `

	if _, err := db.Exec(createVerificationsTable); err != nil {
		return fmt.Errorf("error creating verifications table: %s", err)
	}
	return nil
}

func (s *SQLiteClient) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveVerification records a terminal request in the ledger.
func (s *SQLiteClient) SaveVerification(req *models.VerificationRequest) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO verifications
		 (id, participant, emitted_pattern, detected_pattern, match_count, passed, failure_cause, created_at, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.Participant,
		strings.Join(req.EmittedPattern, ""),
		strings.Join(req.DetectedPattern, ""),
		req.MatchCount,
		req.Passed,
		req.FailureCause,
		req.CreatedAt,
		req.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving verification %s: %s", req.ID, err)
	}
	return nil
}

// RecentVerifications returns up to limit rows, newest first.
func (s *SQLiteClient) RecentVerifications(limit int) ([]VerificationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, participant, emitted_pattern, detected_pattern, match_count, passed,
		        COALESCE(failure_cause, ''), created_at, verified_at
		 FROM verifications ORDER BY verified_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying verifications: %s", err)
	}
	defer rows.Close()

	var records []VerificationRecord
	for rows.Next() {
		var rec VerificationRecord
		var passed int
		if err := rows.Scan(&rec.ID, &rec.Participant, &rec.EmittedPattern, &rec.DetectedPattern,
			&rec.MatchCount, &passed, &rec.FailureCause, &rec.CreatedAt, &rec.VerifiedAt); err != nil {
			return nil, fmt.Errorf("error scanning verification row: %s", err)
		}
		rec.Passed = passed != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalVerifications counts ledger rows.
func (s *SQLiteClient) TotalVerifications() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM verifications").Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting verifications: %s", err)
	}
	return count, nil
}
