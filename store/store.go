// Package store is the SQLite-backed primary store: documents, chunks, the
// FTS5 lexical index, query logs, users, and the durable ingestion queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("store: document not found")

	// ErrConflict is returned when a guarded lifecycle transition matched
	// no row (wrong current state, or concurrent transition won).
	ErrConflict = errors.New("store: conflicting state transition")
)

// Document represents a row in the documents table.
type Document struct {
	ID               int64      `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	Filename         string     `json:"filename"`
	OriginalFilename string     `json:"original_filename"`
	FilePath         string     `json:"file_path"`
	FileSize         int64      `json:"file_size"`
	MimeType         string     `json:"mime_type"`
	Status           string     `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	JobID            string     `json:"job_id"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// Document lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID             int64  `json:"id"`
	DocumentID     int64  `json:"document_id"`
	Content        string `json:"content"`
	ChunkIndex     int    `json:"chunk_index"`
	PageNumber     *int   `json:"page_number,omitempty"`
	TokenCount     int    `json:"token_count"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	HasEmbedding   bool   `json:"has_embedding"`
}

// ChunkRef is a chunk joined with its document's metadata, the shape the
// searcher needs for enrichment and ownership checks.
type ChunkRef struct {
	Chunk
	DocumentFilename string `json:"document_filename"`
	OwnerID          int64  `json:"-"`
}

// LexicalHit is one full-text search result.
type LexicalHit struct {
	ChunkRef
	Score float64 `json:"score"`
}

// QueryLog represents a row in the query_logs table.
type QueryLog struct {
	QueryID        string      `json:"query_id"`
	UserID         int64       `json:"user_id"`
	QueryText      string      `json:"query_text"`
	K              int         `json:"k"`
	ResultCount    int         `json:"result_count"`
	Results        interface{} `json:"results"`
	ResponseTimeMs float64     `json:"response_time_ms"`
}

// Job is one entry in the durable ingestion queue.
type Job struct {
	ID         int64
	JobID      string
	DocumentID int64
	Status     string
}

// Store wraps the SQLite database for all DocQuery persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the FTS5 lexical index.
func New(dbPath string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- User operations ---

// CreateUser inserts a user row and returns its ID. User administration
// lives at the edge; this exists for bootstrap and tests.
func (s *Store) CreateUser(ctx context.Context, username, email, hashedPassword string, isAdmin bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, hashed_password, is_admin)
		VALUES (?, ?, ?, ?)
	`, username, email, hashedPassword, isAdmin)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- Document operations ---

// CreateDocument inserts a document in state pending and returns its ID.
func (s *Store) CreateDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (owner_id, filename, original_filename, file_path,
			file_size, mime_type, status, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.OwnerID, doc.Filename, doc.OriginalFilename, doc.FilePath,
		doc.FileSize, doc.MimeType, StatusPending, doc.JobID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const documentColumns = `id, owner_id, filename, original_filename, file_path,
	file_size, mime_type, status, error_message, job_id, created_at, processed_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	var mimeType, errMsg sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.OriginalFilename,
		&doc.FilePath, &doc.FileSize, &mimeType, &doc.Status, &errMsg,
		&doc.JobID, &doc.CreatedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	doc.MimeType = mimeType.String
	doc.ErrorMessage = errMsg.String
	if processedAt.Valid {
		doc.ProcessedAt = &processedAt.Time
	}
	return doc, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
}

// ListDocumentsByOwner returns a user's documents, newest first.
func (s *Store) ListDocumentsByOwner(ctx context.Context, ownerID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE owner_id = ? ORDER BY created_at DESC, id DESC",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// TransitionDocument moves a document from one lifecycle state to another.
// The guarded UPDATE doubles as the row-level lock: concurrent workers
// racing on the same document see ErrConflict and drop the job.
func (s *Store) TransitionDocument(ctx context.Context, id int64, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, error_message = NULL WHERE id = ? AND status = ?",
		to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateDocumentJobID assigns a fresh job id, used when a failed document
// is re-submitted so stale queue deliveries for the old id no-op.
func (s *Store) UpdateDocumentJobID(ctx context.Context, id int64, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET job_id = ? WHERE id = ?", jobID, id)
	return err
}

// MarkDocumentCompleted transitions to completed and stamps processed_at.
func (s *Store) MarkDocumentCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = NULL, processed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusCompleted, id)
	return err
}

// MarkDocumentFailed transitions to failed and records the error message.
func (s *Store) MarkDocumentFailed(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, error_message = ? WHERE id = ?",
		StatusFailed, msg, id)
	return err
}

// DeleteDocument removes a document and its chunks, returning the deleted
// chunk ids so the caller can tombstone the matching vector slots.
func (s *Store) DeleteDocument(ctx context.Context, id int64) ([]int64, error) {
	var chunkIDs []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		chunkIDs, err = chunkIDsByDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE document_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrDocumentNotFound
		}
		return nil
	})
	return chunkIDs, err
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks in document order and returns
// their IDs.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, content, chunk_index, page_number, token_count, has_embedding)
			VALUES (?, ?, ?, ?, ?, 0)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			var page interface{}
			if c.PageNumber != nil {
				page = *c.PageNumber
			}
			res, err := stmt.ExecContext(ctx, c.DocumentID, c.Content, c.ChunkIndex, page, c.TokenCount)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// MarkChunksEmbedded flips has_embedding and records the model tag for a
// batch of chunks.
func (s *Store) MarkChunksEmbedded(ctx context.Context, ids []int64, model string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"UPDATE chunks SET has_embedding = 1, embedding_model = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, model, id); err != nil {
				return err
			}
		}
		return nil
	})
}

const chunkColumns = `c.id, c.document_id, c.content, c.chunk_index, c.page_number,
	c.token_count, c.embedding_model, c.has_embedding`

func scanChunk(row interface{ Scan(...interface{}) error }, extra ...interface{}) (Chunk, error) {
	var c Chunk
	var page sql.NullInt64
	var model sql.NullString
	dest := []interface{}{&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &page, &c.TokenCount, &model, &c.HasEmbedding}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return Chunk{}, err
	}
	if page.Valid {
		p := int(page.Int64)
		c.PageNumber = &p
	}
	c.EmbeddingModel = model.String
	return c, nil
}

// GetChunksByDocument returns a document's chunks in index order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks c
		WHERE c.document_id = ? ORDER BY c.chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunksByDocument removes every chunk of a document and returns the
// deleted ids for vector-slot tombstoning.
func (s *Store) DeleteChunksByDocument(ctx context.Context, docID int64) ([]int64, error) {
	var ids []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = chunkIDsByDocument(ctx, tx, docID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID)
		return err
	})
	return ids, err
}

func chunkIDsByDocument(ctx context.Context, tx *sql.Tx, docID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ?", docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveOwnedChunks fetches the given chunks joined with document
// metadata, keeping only rows owned by ownerID. This is the ownership
// filter for the vector branch: raw index hits go in, only the caller's
// chunks come out.
func (s *Store) ResolveOwnedChunks(ctx context.Context, chunkIDs []int64, ownerID int64) (map[int64]ChunkRef, error) {
	if len(chunkIDs) == 0 {
		return map[int64]ChunkRef{}, nil
	}

	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(chunkIDs)+1)
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	args = append(args, ownerID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, d.original_filename, d.owner_id
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (`+placeholders+`) AND d.owner_id = ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]ChunkRef, len(chunkIDs))
	for rows.Next() {
		var ref ChunkRef
		c, err := scanChunk(rows, &ref.DocumentFilename, &ref.OwnerID)
		if err != nil {
			return nil, err
		}
		ref.Chunk = c
		out[ref.ID] = ref
	}
	return out, rows.Err()
}

// --- Lexical search ---

// SearchLexical runs an FTS5 query over chunk content scoped to one owner,
// returning up to k hits ordered by bm25 relevance (higher is better).
func (s *Store) SearchLexical(ctx context.Context, query string, k int, ownerID int64) ([]LexicalHit, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, d.original_filename, d.owner_id, f.rank
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.owner_id = ?
		ORDER BY f.rank
		LIMIT ?
	`, ftsQuery, ownerID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var hit LexicalHit
		var rank float64
		c, err := scanChunk(rows, &hit.DocumentFilename, &hit.OwnerID, &rank)
		if err != nil {
			return nil, err
		}
		hit.Chunk = c
		// FTS5 rank is negative (lower = better); negate to a positive score.
		hit.Score = -rank
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// sanitizeFTSQuery strips FTS5 operator syntax from user input and joins
// the remaining terms with OR for broad matching.
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		"\"", "", "*", "", "(", "", ")", "",
		"+", "", "-", " ", "^", "", ":", "",
		"?", "", "[", "", "]", "", "{", "",
		"}", "", "!", "", ".", "", ",", "",
		";", "",
	)
	words := strings.Fields(replacer.Replace(query))
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- Query log ---

// InsertQueryLog appends one query log row. The log is append-only; the
// core never deletes it.
func (s *Store) InsertQueryLog(ctx context.Context, q QueryLog) error {
	results, err := marshalJSON(q.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_logs (query_id, user_id, query_text, k, result_count, results, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.QueryID, q.UserID, q.QueryText, q.K, q.ResultCount, results, q.ResponseTimeMs)
	return err
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling query log results: %w", err)
	}
	return string(b), nil
}

// --- Job queue ---

// EnqueueJob adds an ingestion job for a document.
func (s *Store) EnqueueJob(ctx context.Context, jobID string, documentID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO jobs (job_id, document_id, status) VALUES (?, ?, 'queued')",
		jobID, documentID)
	return err
}

// ClaimJob atomically claims the oldest queued job. Returns nil when the
// queue is empty.
func (s *Store) ClaimJob(ctx context.Context) (*Job, error) {
	var job *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, job_id, document_id FROM jobs
			WHERE status = 'queued' ORDER BY id LIMIT 1
		`)
		j := &Job{Status: "running"}
		if err := row.Scan(&j.ID, &j.JobID, &j.DocumentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = 'running', claimed_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'queued'",
			j.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			job = j
		}
		return nil
	})
	return job, err
}

// FinishJob records a terminal job status ("done" or "failed").
func (s *Store) FinishJob(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}
