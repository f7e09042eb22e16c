package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/storage"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

type Client struct {
	db *sqlx.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		processed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1,
		vectors_purged INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
	CREATE INDEX IF NOT EXISTS idx_documents_deleted ON documents(is_deleted, vectors_purged);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		point_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		session_type TEXT NOT NULL,
		visible INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON chat_sessions(owner_id);

	CREATE TABLE IF NOT EXISTS chat_session_documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		document_id INTEGER NOT NULL,
		UNIQUE (session_id, document_id),
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		request TEXT NOT NULL,
		response TEXT,
		sources TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

type documentRow struct {
	models.Document
	UploadedAt int64         `db:"uploaded_at"`
	DeletedAt  sql.NullInt64 `db:"deleted_at"`
}

func (r documentRow) toModel() *models.Document {
	doc := r.Document
	doc.UploadedAt = time.UnixMilli(r.UploadedAt)
	if r.DeletedAt.Valid {
		t := time.UnixMilli(r.DeletedAt.Int64)
		doc.DeletedAt = &t
	}
	return &doc
}

const documentColumns = `id, name, file_path, owner_id, uploaded_at, is_deleted, deleted_at, processed, status, visible, vectors_purged`

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO documents (name, file_path, owner_id, uploaded_at, processed, status, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Name, doc.FilePath, doc.OwnerID, doc.UploadedAt.UnixMilli(), doc.Processed, doc.Status, doc.Visible,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read document id: %w", err)
	}
	doc.ID = id

	logger.Debug("Document inserted", zap.Int64("document_id", id), zap.String("name", doc.Name))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var row documentRow
	err := c.db.GetContext(ctx, &row, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return row.toModel(), nil
}

// UpdateDocumentStatus leaves soft-deleted documents untouched and reports
// them as not found.
func (c *Client) UpdateDocumentStatus(ctx context.Context, id int64, processed bool, status string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET processed = ?, status = ? WHERE id = ? AND is_deleted = 0`, processed, status, id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return requireAffected(res, "document", id)
}

// SoftDeleteDocument flags the document deleted and drops its chunk rows.
// The document row itself stays so sessions that reference it remain valid.
func (c *Client) SoftDeleteDocument(ctx context.Context, id int64, at time.Time) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET is_deleted = 1, deleted_at = ?, vectors_purged = 0 WHERE id = ? AND is_deleted = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete document: %w", err)
	}
	if err := requireAffected(res, "document", id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit soft delete: %w", err)
	}
	return nil
}

func (c *Client) MarkVectorsPurged(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE documents SET vectors_purged = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark vectors purged: %w", err)
	}
	return nil
}

// ListUnpurgedDeleted returns ids of soft-deleted documents whose vectors
// may still be present in the vector index.
func (c *Client) ListUnpurgedDeleted(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.db.SelectContext(ctx, &ids,
		`SELECT id FROM documents WHERE is_deleted = 1 AND vectors_purged = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpurged documents: %w", err)
	}
	return ids, nil
}

type chunkRow struct {
	models.Chunk
	CreatedAt int64 `db:"created_at"`
}

// InsertChunks writes all chunks of one document in a single transaction.
// If the document was soft-deleted meanwhile nothing is written, the document
// is queued for vector reconciliation again and storage.ErrDeleted is returned.
func (c *Client) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	documentID := chunks[0].DocumentID

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted bool
	err = tx.GetContext(ctx, &deleted, `SELECT is_deleted FROM documents WHERE id = ?`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %d: %w", documentID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if deleted {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET vectors_purged = 0 WHERE id = ?`, documentID); err != nil {
			return fmt.Errorf("failed to flag vectors for purge: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit purge flag: %w", err)
		}
		return fmt.Errorf("document %d: %w", documentID, storage.ErrDeleted)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO document_chunks (document_id, chunk_index, text, point_id, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, ch := range chunks {
		if ch.DocumentID != documentID {
			return fmt.Errorf("chunk %d belongs to document %d, not %d", ch.ChunkIndex, ch.DocumentID, documentID)
		}
		created := ch.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, ch.DocumentID, ch.ChunkIndex, ch.Text, ch.PointID, created.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}

	logger.Debug("Chunks inserted", zap.Int64("document_id", documentID), zap.Int("count", len(chunks)))
	return nil
}

func (c *Client) DeleteChunksByDocument(ctx context.Context, documentID int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// ListChunksByDocuments returns chunks grouped in the order of documentIDs,
// each group sorted by chunk index.
func (c *Client) ListChunksByDocuments(ctx context.Context, documentIDs []int64) ([]models.Chunk, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		`SELECT id, document_id, chunk_index, text, point_id, created_at
		FROM document_chunks WHERE document_id IN (?) ORDER BY document_id, chunk_index`, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk query: %w", err)
	}

	var rows []chunkRow
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	byDoc := make(map[int64][]models.Chunk, len(documentIDs))
	for _, r := range rows {
		ch := r.Chunk
		ch.CreatedAt = time.UnixMilli(r.CreatedAt)
		byDoc[ch.DocumentID] = append(byDoc[ch.DocumentID], ch)
	}

	out := make([]models.Chunk, 0, len(rows))
	seen := make(map[int64]bool, len(documentIDs))
	for _, id := range documentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, byDoc[id]...)
	}
	return out, nil
}

func (c *Client) CountChunks(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (c *Client) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (owner_id, session_type, visible, created_at) VALUES (?, ?, ?, ?)`,
		session.OwnerID, string(session.Type), session.Visible, session.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}

	for _, docID := range session.DocumentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_session_documents (session_id, document_id) VALUES (?, ?)`, id, docID); err != nil {
			return fmt.Errorf("failed to link document %d: %w", docID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	session.ID = id
	return nil
}

type sessionRow struct {
	models.ChatSession
	CreatedAt int64 `db:"created_at"`
}

func (c *Client) GetSession(ctx context.Context, id int64) (*models.ChatSession, error) {
	var row sessionRow
	err := c.db.GetContext(ctx, &row,
		`SELECT id, owner_id, session_type, visible, created_at FROM chat_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := row.ChatSession
	session.CreatedAt = time.UnixMilli(row.CreatedAt)

	if err := c.db.SelectContext(ctx, &session.DocumentIDs,
		`SELECT document_id FROM chat_session_documents WHERE session_id = ? ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("failed to get session documents: %w", err)
	}
	return &session, nil
}

type messageRow struct {
	models.ChatMessage
	CreatedAt int64 `db:"created_at"`
}

func (c *Client) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, request, response, sources, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Request, msg.Response, msg.Sources, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id
	return nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID int64) ([]models.ChatMessage, error) {
	var rows []messageRow
	err := c.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, request, response, sources, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]models.ChatMessage, 0, len(rows))
	for _, r := range rows {
		m := r.ChatMessage
		m.CreatedAt = time.UnixMilli(r.CreatedAt)
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func requireAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}
