package models

import "time"

type SessionType string

const (
	SessionSingle     SessionType = "single"
	SessionComparison SessionType = "comparison"
)

type Document struct {
	ID            int64      `db:"id"`
	Name          string     `db:"name"`
	FilePath      string     `db:"file_path"`
	OwnerID       string     `db:"owner_id"`
	UploadedAt    time.Time  `db:"-"`
	IsDeleted     bool       `db:"is_deleted"`
	DeletedAt     *time.Time `db:"-"`
	Processed     bool       `db:"processed"`
	Status        string     `db:"status"`
	Visible       bool       `db:"visible"`
	VectorsPurged bool       `db:"vectors_purged"`
}

type Chunk struct {
	ID         int64     `db:"id"`
	DocumentID int64     `db:"document_id"`
	ChunkIndex int       `db:"chunk_index"`
	Text       string    `db:"text"`
	PointID    string    `db:"point_id"`
	CreatedAt  time.Time `db:"-"`
}

type ChatSession struct {
	ID          int64       `db:"id"`
	OwnerID     string      `db:"owner_id"`
	Type        SessionType `db:"session_type"`
	Visible     bool        `db:"visible"`
	CreatedAt   time.Time   `db:"-"`
	DocumentIDs []int64     `db:"-"`
}

type ChatMessage struct {
	ID        int64     `db:"id"`
	SessionID int64     `db:"session_id"`
	Request   string    `db:"request"`
	Response  *string   `db:"response"`
	Sources   *string   `db:"sources"`
	CreatedAt time.Time `db:"-"`
}

// Source is one citation attached to an answer.
type Source struct {
	DocumentID int64   `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}
