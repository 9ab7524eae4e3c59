package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bestZwei/AIBC/internal/config"
	"github.com/bestZwei/AIBC/internal/segment"
)

// SegmentRecord is a produced segment as stored in the timeline.
type SegmentRecord struct {
	ID          string              `json:"id"`
	ChannelID   string              `json:"channel_id"`
	Type        segment.Type        `json:"type"`
	DisplayText string              `json:"display_text"`
	Question    string              `json:"question,omitempty"`
	Utterances  []segment.Utterance `json:"utterances,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// QuestionRecord is a listener question as stored in the timeline.
type QuestionRecord struct {
	ID          int64     `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Store wraps a SQLite-backed broadcast timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The ephemeral retention
// mode keeps nothing and opens no database.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS segments (
    segment_id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL,
    segment_type TEXT NOT NULL,
    display_text TEXT NOT NULL,
    question TEXT,
    utterances BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_channel_created ON segments(channel_id, created_at);
CREATE TABLE IF NOT EXISTS questions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id TEXT NOT NULL,
    text TEXT NOT NULL,
    submitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_submitted ON questions(submitted_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordSegment writes a produced segment. Audio is not stored.
func (s *Store) RecordSegment(ctx context.Context, channelID string, seg segment.Segment) error {
	if s.disabled() {
		return nil
	}
	created := seg.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	utterances, err := json.Marshal(seg.Utterances)
	if err != nil {
		return fmt.Errorf("encode utterances: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments(segment_id, channel_id, segment_type, display_text, question, utterances, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(segment_id) DO NOTHING`,
		seg.ID, channelID, string(seg.Type), seg.DisplayText, seg.Question, utterances, created.UnixMilli())
	return err
}

// RecordQuestion writes a listener question.
func (s *Store) RecordQuestion(ctx context.Context, channelID, text string, at time.Time) error {
	if s.disabled() {
		return nil
	}
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions(channel_id, text, submitted_at) VALUES(?, ?, ?)`,
		channelID, text, at.UnixMilli())
	return err
}

// ListSegments returns up to limit of the most recent segments, newest first.
// An empty channelID lists every channel.
func (s *Store) ListSegments(ctx context.Context, channelID string, limit int) ([]SegmentRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, channel_id, segment_type, display_text, COALESCE(question, ''), utterances, created_at
		 FROM segments WHERE (? = '' OR channel_id = ?) ORDER BY created_at DESC LIMIT ?`,
		channelID, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SegmentRecord
	for rows.Next() {
		var (
			r          SegmentRecord
			typ        string
			utterances []byte
			created    int64
		)
		if err := rows.Scan(&r.ID, &r.ChannelID, &typ, &r.DisplayText, &r.Question, &utterances, &created); err != nil {
			return nil, err
		}
		r.Type = segment.Type(typ)
		r.CreatedAt = time.UnixMilli(created).UTC()
		if len(utterances) > 0 {
			if err := json.Unmarshal(utterances, &r.Utterances); err != nil {
				s.log.Warn("skipping undecodable utterances", slog.String("segment", r.ID), slog.String("error", err.Error()))
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListQuestions returns up to limit of the most recent questions, newest first.
func (s *Store) ListQuestions(ctx context.Context, channelID string, limit int) ([]QuestionRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, text, submitted_at FROM questions
		 WHERE (? = '' OR channel_id = ?) ORDER BY submitted_at DESC, id DESC LIMIT ?`,
		channelID, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []QuestionRecord
	for rows.Next() {
		var (
			r         QuestionRecord
			submitted int64
		)
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Text, &submitted); err != nil {
			return nil, err
		}
		r.SubmittedAt = time.UnixMilli(submitted).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE submitted_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSegments > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE segment_id IN (
			SELECT segment_id FROM segments ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSegments)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
