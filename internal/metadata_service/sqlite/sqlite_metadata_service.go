package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"github.com/AnishMulay/chunkstore/internal/metadata_service"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const maxCreateAttempts = 5

type fileRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"not null;uniqueIndex:idx_files_name_version,priority:1"`
	Version    int    `gorm:"not null;uniqueIndex:idx_files_name_version,priority:2"`
	Size       int64  `gorm:"not null;default:0"`
	Status     string `gorm:"not null;index"`
	UploadedAt int64  `gorm:"not null"`
}

func (fileRecord) TableName() string { return "files" }

type chunkRecord struct {
	FileID     string `gorm:"primaryKey;size:36"`
	ChunkIndex int    `gorm:"primaryKey;autoIncrement:false"`
	NodeID     string `gorm:"primaryKey;index"`
	Size       int64  `gorm:"not null"`
	ObjectKey  string `gorm:"not null"`
}

func (chunkRecord) TableName() string { return "chunks" }

// SQLiteMetadataService persists the index in a single SQLite file. Writers
// take the database lock at BEGIN so read-then-insert steps are atomic.
type SQLiteMetadataService struct {
	db *gorm.DB
	ls log_service.LogService
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
}

func NewSQLiteMetadataService(path string, ls log_service.LogService) (*SQLiteMetadataService, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&fileRecord{}, &chunkRecord{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}

	ls.Info(log_service.LogEvent{
		Message:  "Metadata store opened",
		Metadata: map[string]any{"path": path},
	})
	return &SQLiteMetadataService{db: db, ls: ls}, nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toFile(r fileRecord) metadata_service.File {
	return metadata_service.File{
		ID:         r.ID,
		Name:       r.Name,
		Version:    r.Version,
		Size:       r.Size,
		Status:     metadata_service.FileStatus(r.Status),
		UploadedAt: time.Unix(0, r.UploadedAt).UTC(),
	}
}

func toReplica(r chunkRecord) metadata_service.ChunkReplica {
	return metadata_service.ChunkReplica{
		FileID:     r.FileID,
		ChunkIndex: r.ChunkIndex,
		Size:       r.Size,
		ObjectKey:  r.ObjectKey,
		NodeID:     r.NodeID,
	}
}

func toReplicas(rows []chunkRecord) []metadata_service.ChunkReplica {
	out := make([]metadata_service.ChunkReplica, 0, len(rows))
	for _, r := range rows {
		out = append(out, toReplica(r))
	}
	return out
}

func (s *SQLiteMetadataService) CreateFile(ctx context.Context, name string) (metadata_service.File, error) {
	if name == "" {
		return metadata_service.File{}, metadata_service.ErrInvalidFileName
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		var rec fileRecord
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current int
			if err := tx.Model(&fileRecord{}).
				Where("name = ?", name).
				Select("COALESCE(MAX(version), 0)").
				Scan(&current).Error; err != nil {
				return err
			}
			rec = fileRecord{
				ID:         uuid.NewString(),
				Name:       name,
				Version:    current + 1,
				Status:     string(metadata_service.StatusPending),
				UploadedAt: time.Now().UnixNano(),
			}
			return tx.Create(&rec).Error
		})
		if err == nil {
			return toFile(rec), nil
		}
		if !isUniqueViolation(err) {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to create file version",
				Metadata: map[string]any{"name": name, "error": err.Error()},
			})
			return metadata_service.File{}, err
		}
		s.ls.Warn(log_service.LogEvent{
			Message:  "Version allocation raced, retrying",
			Metadata: map[string]any{"name": name, "attempt": attempt},
		})
	}
	return metadata_service.File{}, metadata_service.ErrVersionConflict
}

func (s *SQLiteMetadataService) updateFile(ctx context.Context, fileID string, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&fileRecord{}).Where("id = ?", fileID).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return metadata_service.ErrFileNotFound
	}
	return nil
}

func (s *SQLiteMetadataService) FinalizeFile(ctx context.Context, fileID string, size int64, uploadedAt time.Time) error {
	return s.updateFile(ctx, fileID, map[string]any{
		"size":        size,
		"uploaded_at": uploadedAt.UnixNano(),
		"status":      string(metadata_service.StatusComplete),
	})
}

func (s *SQLiteMetadataService) FailFile(ctx context.Context, fileID string) error {
	return s.updateFile(ctx, fileID, map[string]any{"status": string(metadata_service.StatusFailed)})
}

func (s *SQLiteMetadataService) first(ctx context.Context, query *gorm.DB) (metadata_service.File, error) {
	var rec fileRecord
	err := query.WithContext(ctx).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metadata_service.File{}, metadata_service.ErrFileNotFound
	}
	if err != nil {
		return metadata_service.File{}, err
	}
	return toFile(rec), nil
}

func (s *SQLiteMetadataService) FileByID(ctx context.Context, fileID string) (metadata_service.File, error) {
	return s.first(ctx, s.db.Where("id = ?", fileID))
}

func (s *SQLiteMetadataService) LatestFile(ctx context.Context, name string) (metadata_service.File, error) {
	return s.first(ctx, s.db.
		Where("name = ? AND status = ?", name, string(metadata_service.StatusComplete)).
		Order("version DESC"))
}

func (s *SQLiteMetadataService) FileVersion(ctx context.Context, name string, version int) (metadata_service.File, error) {
	return s.first(ctx, s.db.Where("name = ? AND version = ?", name, version))
}

func (s *SQLiteMetadataService) ListVersions(ctx context.Context, name string) ([]metadata_service.File, error) {
	var recs []fileRecord
	err := s.db.WithContext(ctx).
		Where("name = ? AND status = ?", name, string(metadata_service.StatusComplete)).
		Order("version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	files := make([]metadata_service.File, 0, len(recs))
	for _, r := range recs {
		files = append(files, toFile(r))
	}
	return files, nil
}

const listFilesQuery = `
SELECT f.name, f.version, f.id, f.size, f.uploaded_at,
       (SELECT COUNT(DISTINCT c.chunk_index) FROM chunks c WHERE c.file_id = f.id) AS chunk_count
FROM files f
WHERE f.status = ?
  AND f.version = (SELECT MAX(f2.version) FROM files f2 WHERE f2.name = f.name AND f2.status = ?)
ORDER BY f.name`

func (s *SQLiteMetadataService) ListFiles(ctx context.Context) ([]metadata_service.FileSummary, error) {
	var rows []struct {
		Name       string
		Version    int
		ID         string
		Size       int64
		UploadedAt int64
		ChunkCount int
	}
	complete := string(metadata_service.StatusComplete)
	if err := s.db.WithContext(ctx).Raw(listFilesQuery, complete, complete).Scan(&rows).Error; err != nil {
		return nil, err
	}

	summaries := make([]metadata_service.FileSummary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, metadata_service.FileSummary{
			Name:          r.Name,
			LatestVersion: r.Version,
			FileID:        r.ID,
			Size:          r.Size,
			UploadedAt:    time.Unix(0, r.UploadedAt).UTC(),
			ChunkCount:    r.ChunkCount,
		})
	}
	return summaries, nil
}

func (s *SQLiteMetadataService) RecordReplica(ctx context.Context, replica metadata_service.ChunkReplica) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&fileRecord{}).Where("id = ?", replica.FileID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return metadata_service.ErrFileNotFound
		}
		rec := chunkRecord{
			FileID:     replica.FileID,
			ChunkIndex: replica.ChunkIndex,
			NodeID:     replica.NodeID,
			Size:       replica.Size,
			ObjectKey:  replica.ObjectKey,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	})
}

func (s *SQLiteMetadataService) DeleteReplica(ctx context.Context, fileID string, chunkIndex int, nodeID string) error {
	return s.db.WithContext(ctx).
		Where("file_id = ? AND chunk_index = ? AND node_id = ?", fileID, chunkIndex, nodeID).
		Delete(&chunkRecord{}).Error
}

func (s *SQLiteMetadataService) findChunks(ctx context.Context, query *gorm.DB) ([]metadata_service.ChunkReplica, error) {
	var rows []chunkRecord
	if err := query.WithContext(ctx).Order("file_id, chunk_index, node_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toReplicas(rows), nil
}

func (s *SQLiteMetadataService) ReplicasOf(ctx context.Context, fileID string, chunkIndex int) ([]metadata_service.ChunkReplica, error) {
	return s.findChunks(ctx, s.db.Where("file_id = ? AND chunk_index = ?", fileID, chunkIndex))
}

func (s *SQLiteMetadataService) OrderedChunks(ctx context.Context, fileID string) ([]metadata_service.ChunkRef, error) {
	rows, err := s.findChunks(ctx, s.db.Where("file_id = ?", fileID))
	if err != nil {
		return nil, err
	}
	return metadata_service.GroupReplicas(rows), nil
}

func (s *SQLiteMetadataService) ChunksOnNode(ctx context.Context, nodeID string) ([]metadata_service.ChunkReplica, error) {
	return s.findChunks(ctx, s.db.Where("node_id = ?", nodeID))
}

const missingFromNodeQuery = `
SELECT c.file_id, c.chunk_index, c.node_id, c.size, c.object_key
FROM chunks c
WHERE NOT EXISTS (
    SELECT 1 FROM chunks h
    WHERE h.file_id = c.file_id AND h.chunk_index = c.chunk_index AND h.node_id = ?
)
ORDER BY c.file_id, c.chunk_index, c.node_id`

func (s *SQLiteMetadataService) ChunksMissingFromNode(ctx context.Context, nodeID string) ([]metadata_service.ChunkRef, error) {
	var rows []chunkRecord
	if err := s.db.WithContext(ctx).Raw(missingFromNodeQuery, nodeID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return metadata_service.GroupReplicas(toReplicas(rows)), nil
}

func (s *SQLiteMetadataService) AllChunks(ctx context.Context) ([]metadata_service.ChunkRef, error) {
	rows, err := s.findChunks(ctx, s.db.Model(&chunkRecord{}))
	if err != nil {
		return nil, err
	}
	return metadata_service.GroupReplicas(rows), nil
}

func (s *SQLiteMetadataService) ReplicaCount(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&chunkRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteMetadataService) ReplicaCountsByNode(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		NodeID string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&chunkRecord{}).
		Select("node_id, COUNT(*) AS count").
		Group("node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.NodeID] = r.Count
	}
	return counts, nil
}

func (s *SQLiteMetadataService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ metadata_service.MetadataService = (*SQLiteMetadataService)(nil)
