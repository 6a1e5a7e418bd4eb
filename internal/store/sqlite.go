package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

var (
	// ErrRecordNotFound is returned when a review targets an unknown record.
	ErrRecordNotFound = errors.New("analysis record not found")
	// ErrReviewConflict is returned when a review targets a record that has
	// already been reviewed. The store is left unchanged.
	ErrReviewConflict = errors.New("analysis record already reviewed")
)

type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLiteStore(dataSourceName string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, log: log}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS reviewers (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    -- Populated by the external corpus ingestion step; read-only here.
    CREATE TABLE IF NOT EXISTS corpus_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source_id TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON-encoded []float32
    );

    CREATE TABLE IF NOT EXISTS analysis_records (
        id TEXT PRIMARY KEY, -- UUID
        raw_text TEXT NOT NULL,
        normalized_text TEXT NOT NULL,
        retrieved_passages_json TEXT NOT NULL,
        exemplars_used_json TEXT NOT NULL,
        verdict TEXT NOT NULL CHECK (verdict IN ('Yes', 'No', 'Uncertain')),
        reasoning TEXT NOT NULL,
        related_regulations_json TEXT NOT NULL,
        cited_sources_json TEXT NOT NULL,
        schema_fallback BOOLEAN DEFAULT FALSE,
        status TEXT NOT NULL CHECK (status IN ('pending_review', 'approved', 'edited')),
        created_at DATETIME NOT NULL,
        reviewed_at DATETIME,
        reviewed_by TEXT,
        edit_diff_json TEXT
    );

    CREATE TABLE IF NOT EXISTS exemplars (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record_id TEXT UNIQUE NOT NULL, -- one exemplar per reviewed record
        query_text TEXT NOT NULL,
        verdict TEXT NOT NULL CHECK (verdict IN ('Yes', 'No', 'Uncertain')),
        reasoning TEXT NOT NULL,
        regulations_json TEXT NOT NULL,
        approved_by TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        embedding_json TEXT,
        FOREIGN KEY (record_id) REFERENCES analysis_records (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Reviewer methods

func (s *SQLiteStore) GetReviewerByUsername(username string) (*Reviewer, error) {
	var r Reviewer
	err := s.db.QueryRow("SELECT id, username, password_hash, created_at FROM reviewers WHERE username = ?", username).
		Scan(&r.ID, &r.Username, &r.PasswordHash, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Reviewer not found
		}
		return nil, fmt.Errorf("failed to query reviewer: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) CreateReviewer(username, passwordHash string) (*Reviewer, error) {
	res, err := s.db.Exec("INSERT INTO reviewers (username, password_hash) VALUES (?, ?)", username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reviewer: %w", err)
	}
	id, _ := res.LastInsertId()

	var r Reviewer
	err = s.db.QueryRow("SELECT id, username, password_hash, created_at FROM reviewers WHERE id = ?", id).
		Scan(&r.ID, &r.Username, &r.PasswordHash, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer by id: %w", err)
	}
	return &r, nil
}

// Corpus methods

func (s *SQLiteStore) GetAllCorpusChunks() ([]CorpusChunk, error) {
	rows, err := s.db.Query("SELECT id, source_id, content, embedding_json FROM corpus_chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to query corpus_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []CorpusChunk
	for rows.Next() {
		var chunk CorpusChunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.SourceID, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan corpus_chunk row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				s.log.Warn("failed to unmarshal corpus chunk embedding, chunk will be unrankable",
					zap.Int64("chunk_id", chunk.ID), zap.Error(err))
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// Audit log methods

// InsertAnalysisRecord appends a completed analysis with status
// pending_review. The id and created_at are assigned here if unset.
func (s *SQLiteStore) InsertAnalysisRecord(rec *AnalysisRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPendingReview
	}

	stmt, err := s.db.Prepare(`INSERT INTO analysis_records (
        id, raw_text, normalized_text, retrieved_passages_json, exemplars_used_json,
        verdict, reasoning, related_regulations_json, cited_sources_json,
        schema_fallback, status, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare analysis_record insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		rec.ID, rec.RawText, rec.NormalizedText,
		mustMarshal(rec.RetrievedPassages), mustMarshal(rec.ExemplarsUsed),
		string(rec.Verdict), rec.Reasoning,
		mustMarshal(rec.RelatedRegulations), mustMarshal(rec.CitedSources),
		rec.SchemaFallback, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute analysis_record insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAnalysisRecord(id string) (*AnalysisRecord, error) {
	row := s.db.QueryRow(selectRecordColumns+" FROM analysis_records WHERE id = ?", id)
	rec, err := s.scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get analysis record: %w", err)
	}
	return rec, nil
}

// ListAnalysisRecords returns records ordered by created_at ascending. The
// limit/offset pair makes the read restartable for pagination.
func (s *SQLiteStore) ListAnalysisRecords(limit, offset int) ([]AnalysisRecord, error) {
	query := selectRecordColumns + " FROM analysis_records ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis records: %w", err)
	}
	defer rows.Close()

	var records []AnalysisRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis record row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ReviewRecord applies the single allowed status transition to a record and
// inserts the exemplar derived from it, atomically. For an approval corr must
// be nil and the exemplar carries the record's original fields; for an edit
// corr carries the corrected fields, which replace the record's while the
// originals are preserved in the edit diff. A second review of the same
// record returns ErrReviewConflict and changes nothing.
func (s *SQLiteStore) ReviewRecord(id string, newStatus ReviewStatus, reviewer string, corr *Correction, embedding []float32) (*AnalysisRecord, *Exemplar, error) {
	switch newStatus {
	case StatusApproved:
		if corr != nil {
			return nil, nil, fmt.Errorf("approval must not carry corrections")
		}
	case StatusEdited:
		if corr == nil {
			return nil, nil, fmt.Errorf("edit requires corrections")
		}
	default:
		return nil, nil, fmt.Errorf("invalid review status %q", newStatus)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(selectRecordColumns+" FROM analysis_records WHERE id = ?", id)
	rec, err := s.scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrRecordNotFound
		}
		return nil, nil, fmt.Errorf("failed to load record for review: %w", err)
	}
	if rec.Status != StatusPendingReview {
		return nil, nil, ErrReviewConflict
	}

	verdict, reasoning, regulations := rec.Verdict, rec.Reasoning, rec.RelatedRegulations
	var diff *EditDiff
	if corr != nil {
		diff = &EditDiff{
			OriginalVerdict:     rec.Verdict,
			OriginalReasoning:   rec.Reasoning,
			OriginalRegulations: rec.RelatedRegulations,
		}
		verdict, reasoning, regulations = corr.Verdict, corr.Reasoning, corr.Regulations
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE analysis_records
        SET status = ?, reviewed_at = ?, reviewed_by = ?,
            verdict = ?, reasoning = ?, related_regulations_json = ?, edit_diff_json = ?
        WHERE id = ? AND status = 'pending_review'`,
		string(newStatus), now, reviewer,
		string(verdict), reasoning, mustMarshal(regulations), marshalNullable(diff),
		id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute review update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, nil, ErrReviewConflict
	}

	exemplar := &Exemplar{
		RecordID:    id,
		QueryText:   rec.NormalizedText,
		Verdict:     verdict,
		Reasoning:   reasoning,
		Regulations: regulations,
		ApprovedBy:  reviewer,
		CreatedAt:   now,
		Embedding:   embedding,
	}
	res, err = tx.Exec(`INSERT INTO exemplars (
        record_id, query_text, verdict, reasoning, regulations_json, approved_by, created_at, embedding_json
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exemplar.RecordID, exemplar.QueryText, string(exemplar.Verdict), exemplar.Reasoning,
		mustMarshal(exemplar.Regulations), exemplar.ApprovedBy, exemplar.CreatedAt,
		marshalNullable(exemplar.Embedding),
	)
	if err != nil {
		// The UNIQUE constraint on record_id backstops the one-exemplar rule.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, nil, ErrReviewConflict
		}
		return nil, nil, fmt.Errorf("failed to insert exemplar: %w", err)
	}
	exemplar.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit review: %w", err)
	}

	rec.Status = newStatus
	rec.ReviewedAt = &now
	rec.ReviewedBy = &reviewer
	rec.Verdict = verdict
	rec.Reasoning = reasoning
	rec.RelatedRegulations = regulations
	rec.EditDiff = diff
	return rec, exemplar, nil
}

// Exemplar methods

func (s *SQLiteStore) GetAllExemplars() ([]Exemplar, error) {
	rows, err := s.db.Query(`SELECT id, record_id, query_text, verdict, reasoning,
        regulations_json, approved_by, created_at, embedding_json
        FROM exemplars ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exemplars: %w", err)
	}
	defer rows.Close()

	var exemplars []Exemplar
	for rows.Next() {
		var e Exemplar
		var verdict string
		var regulationsJSON string
		var embeddingJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.RecordID, &e.QueryText, &verdict, &e.Reasoning,
			&regulationsJSON, &e.ApprovedBy, &e.CreatedAt, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan exemplar row: %w", err)
		}
		e.Verdict = Verdict(verdict)
		s.unmarshalInto(regulationsJSON, &e.Regulations, "exemplar regulations", e.ID)
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			s.unmarshalInto(embeddingJSON.String, &e.Embedding, "exemplar embedding", e.ID)
		}
		exemplars = append(exemplars, e)
	}
	return exemplars, rows.Err()
}

// Scan helpers

const selectRecordColumns = `SELECT id, raw_text, normalized_text, retrieved_passages_json,
    exemplars_used_json, verdict, reasoning, related_regulations_json, cited_sources_json,
    schema_fallback, status, created_at, reviewed_at, reviewed_by, edit_diff_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRecord(row rowScanner) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	var verdict, status string
	var passagesJSON, exemplarsJSON, regulationsJSON, citedJSON string
	var reviewedAt sql.NullTime
	var reviewedBy, diffJSON sql.NullString

	err := row.Scan(&rec.ID, &rec.RawText, &rec.NormalizedText, &passagesJSON,
		&exemplarsJSON, &verdict, &rec.Reasoning, &regulationsJSON, &citedJSON,
		&rec.SchemaFallback, &status, &rec.CreatedAt, &reviewedAt, &reviewedBy, &diffJSON)
	if err != nil {
		return nil, err
	}

	rec.Verdict = Verdict(verdict)
	rec.Status = ReviewStatus(status)
	s.unmarshalInto(passagesJSON, &rec.RetrievedPassages, "retrieved passages", 0)
	s.unmarshalInto(exemplarsJSON, &rec.ExemplarsUsed, "exemplars used", 0)
	s.unmarshalInto(regulationsJSON, &rec.RelatedRegulations, "related regulations", 0)
	s.unmarshalInto(citedJSON, &rec.CitedSources, "cited sources", 0)
	if reviewedAt.Valid {
		rec.ReviewedAt = &reviewedAt.Time
	}
	if reviewedBy.Valid {
		rec.ReviewedBy = &reviewedBy.String
	}
	if diffJSON.Valid && diffJSON.String != "" {
		var diff EditDiff
		s.unmarshalInto(diffJSON.String, &diff, "edit diff", 0)
		rec.EditDiff = &diff
	}
	return &rec, nil
}

func (s *SQLiteStore) unmarshalInto(data string, v any, what string, id int64) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		s.log.Warn("failed to unmarshal stored field",
			zap.String("field", what), zap.Int64("id", id), zap.Error(err))
	}
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reaches here for unmarshalable types, which the models are not.
		return "null"
	}
	return string(b)
}

func marshalNullable(v any) any {
	switch x := v.(type) {
	case *EditDiff:
		if x == nil {
			return nil
		}
	case []float32:
		if len(x) == 0 {
			return nil
		}
	}
	return mustMarshal(v)
}
