package artifact

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StoredArtifact is a PDF kept in the database when no object storage is configured.
type StoredArtifact struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Path        string       `gorm:"type:text;not null;uniqueIndex:ux_stored_artifacts_path"`
	ContentType string       `gorm:"type:text;not null"`
	Content     []byte       `gorm:"not null"`
	Size        int          `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (StoredArtifact) TableName() string { return "stored_artifacts" }

type DatabaseStore struct {
	db      *gorm.DB
	genID   *snowflake.Node
	baseURL string
	now     func() time.Time
}

func NewDatabaseStore(db *gorm.DB, genID *snowflake.Node, baseURL string) *DatabaseStore {
	return &DatabaseStore{db: db, genID: genID, baseURL: baseURL, now: time.Now}
}

func (s *DatabaseStore) Put(ctx context.Context, path, contentType string, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyObject
	}
	clean, err := validatePath(path)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO stored_artifacts (id, path, content_type, content, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (path)
		 DO UPDATE SET content_type = EXCLUDED.content_type,
			content = EXCLUDED.content,
			size = EXCLUDED.size,
			updated_at = EXCLUDED.updated_at`,
		s.genID.Generate(),
		clean,
		contentType,
		data,
		len(data),
		now,
		now,
	).Error
}

func (s *DatabaseStore) Get(ctx context.Context, path string) ([]byte, error) {
	clean, err := validatePath(path)
	if err != nil {
		return nil, err
	}
	var item StoredArtifact
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, path, content_type, content, size, created_at, updated_at
		 FROM stored_artifacts
		 WHERE path = ?
		 LIMIT 1`,
		clean,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, ErrNotFound
	}
	return item.Content, nil
}

func (s *DatabaseStore) URL(path string) string {
	return joinURL(s.baseURL, path)
}
