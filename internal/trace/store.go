package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const defaultCandidateThreshold = 8

// Store is the embedded trace store. Writes are serialized by an internal
// lock; reads may proceed concurrently with writes under WAL.
type Store struct {
	db      *sql.DB
	logger  *logrus.Logger
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the store at path and applies schema
// migrations. Re-opening an existing store is idempotent.
func Open(path string, busyTimeout time.Duration, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			query TEXT NOT NULL,
			templates_used TEXT NOT NULL DEFAULT '[]',
			final_answer TEXT NOT NULL DEFAULT '',
			total_rounds INTEGER NOT NULL,
			early_stopped INTEGER NOT NULL DEFAULT 0,
			auto_score INTEGER,
			user_rating INTEGER,
			model_proposer TEXT NOT NULL DEFAULT '',
			model_skeptic TEXT NOT NULL DEFAULT '',
			model_synthesizer TEXT NOT NULL DEFAULT '',
			model_embedding TEXT NOT NULL DEFAULT '',
			timing_total_ms INTEGER NOT NULL DEFAULT 0,
			timing_rag_ms INTEGER NOT NULL DEFAULT 0,
			timing_rounds_ms TEXT NOT NULL DEFAULT '[]',
			timing_synthesis_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			round INTEGER NOT NULL,
			proposer_text TEXT NOT NULL,
			skeptic_text TEXT NOT NULL,
			proposer_duration_ms INTEGER NOT NULL DEFAULT 0,
			skeptic_duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (trace_id, round)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_auto_score ON traces(auto_score)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_user_rating ON traces(user_rating)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate trace store: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// Save persists a trace and all its rounds in one transaction. Either every
// row appears or none does. Fails with ErrDuplicate on an id collision and
// ErrInvalid if the trace violates its structural invariants.
func (s *Store) Save(ctx context.Context, t *Trace) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	templatesJSON, err := json.Marshal(t.TemplatesUsed)
	if err != nil {
		return fmt.Errorf("encode templates: %w", err)
	}
	roundsMsJSON, err := json.Marshal(t.Timing.RoundsMs)
	if err != nil {
		return fmt.Errorf("encode round timings: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM traces WHERE id = ?`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check trace id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (
			id, created_at, query, templates_used, final_answer,
			total_rounds, early_stopped, auto_score, user_rating,
			model_proposer, model_skeptic, model_synthesizer, model_embedding,
			timing_total_ms, timing_rag_ms, timing_rounds_ms, timing_synthesis_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.Query,
		string(templatesJSON), t.FinalAnswer,
		t.TotalRounds, boolToInt(t.EarlyStopped), t.AutoScore, t.UserRating,
		t.Models.Proposer, t.Models.Skeptic, t.Models.Synthesizer, t.Models.Embedding,
		t.Timing.TotalMs, t.Timing.RAGMs, string(roundsMsJSON), t.Timing.SynthesisMs,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for _, r := range t.Rounds {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rounds (
				trace_id, round, proposer_text, skeptic_text,
				proposer_duration_ms, skeptic_duration_ms
			) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, r.Round, r.ProposerText, r.SkepticText,
			r.ProposerDurationMs, r.SkepticDurationMs,
		)
		if err != nil {
			return fmt.Errorf("insert round %d: %w", r.Round, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"trace_id": t.ID,
		"rounds":   t.TotalRounds,
	}).Debug("Trace persisted")
	return nil
}

// Get returns the trace with rounds ordered by round number, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, query, templates_used, final_answer,
			total_rounds, early_stopped, auto_score, user_rating,
			model_proposer, model_skeptic, model_synthesizer, model_embedding,
			timing_total_ms, timing_rag_ms, timing_rounds_ms, timing_synthesis_ms
		FROM traces WHERE id = ?`, id)

	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT round, proposer_text, skeptic_text, proposer_duration_ms, skeptic_duration_ms
		FROM rounds WHERE trace_id = ? ORDER BY round`, id)
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Round
		if err := rows.Scan(&r.Round, &r.ProposerText, &r.SkepticText,
			&r.ProposerDurationMs, &r.SkepticDurationMs); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		t.Rounds = append(t.Rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return t, nil
}

// List returns a trace page (without round bodies) ordered by creation time
// descending. minQuality matches autoScore or userRating; searchText is a
// case-insensitive substring match over the query.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Trace, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var where []string
	var args []any
	if opts.MinQuality != nil {
		where = append(where, "(auto_score >= ? OR user_rating >= ?)")
		args = append(args, *opts.MinQuality, *opts.MinQuality)
	}
	if opts.SearchText != "" {
		where = append(where, "query LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(opts.SearchText)+"%")
	}

	query := `
		SELECT id, created_at, query, templates_used, final_answer,
			total_rounds, early_stopped, auto_score, user_rating,
			model_proposer, model_skeptic, model_synthesizer, model_embedding,
			timing_total_ms, timing_rag_ms, timing_rounds_ms, timing_synthesis_ms
		FROM traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return out, nil
}

// Rate sets the user rating for a persisted trace.
func (s *Store) Rate(ctx context.Context, id string, score int) error {
	if score < 1 || score > 10 {
		return fmt.Errorf("%w: rating %d outside [1,10]", ErrInvalid, score)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE traces SET user_rating = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// FinetuneCandidates returns traces whose quality meets the threshold.
func (s *Store) FinetuneCandidates(ctx context.Context, threshold int) ([]*Trace, error) {
	if threshold <= 0 {
		threshold = defaultCandidateThreshold
	}
	minQ := threshold
	return s.List(ctx, ListOptions{Limit: 1000, MinQuality: &minQ})
}

// Stats summarizes the stored corpus.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var mean sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			AVG(CASE WHEN auto_score IS NULL AND user_rating IS NULL THEN NULL
				ELSE MAX(COALESCE(auto_score, 0), COALESCE(user_rating, 0)) END),
			COALESCE(SUM(CASE WHEN auto_score >= ? OR user_rating >= ? THEN 1 ELSE 0 END), 0)
		FROM traces`,
		defaultCandidateThreshold, defaultCandidateThreshold,
	).Scan(&st.Count, &mean, &st.CandidatesCount)
	if err != nil {
		return nil, fmt.Errorf("compute stats: %w", err)
	}
	if mean.Valid && st.Count > 0 {
		st.MeanQuality = &mean.Float64
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*Trace, error) {
	var t Trace
	var createdAt, templatesJSON, roundsMsJSON string
	var earlyStopped int
	err := row.Scan(
		&t.ID, &createdAt, &t.Query, &templatesJSON, &t.FinalAnswer,
		&t.TotalRounds, &earlyStopped, &t.AutoScore, &t.UserRating,
		&t.Models.Proposer, &t.Models.Skeptic, &t.Models.Synthesizer, &t.Models.Embedding,
		&t.Timing.TotalMs, &t.Timing.RAGMs, &roundsMsJSON, &t.Timing.SynthesisMs,
	)
	if err != nil {
		return nil, err
	}
	t.EarlyStopped = earlyStopped != 0
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = parsed
	}
	if err := json.Unmarshal([]byte(templatesJSON), &t.TemplatesUsed); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	if err := json.Unmarshal([]byte(roundsMsJSON), &t.Timing.RoundsMs); err != nil {
		return nil, fmt.Errorf("decode round timings: %w", err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
