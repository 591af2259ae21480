package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

// FileResult is the per-file outcome of a directory ingest.
type FileResult struct {
	Path      string
	ReceiptID uuid.UUID
	Status    constants.ReceiptStatus
	Duplicate bool
	Err       string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Duplicate uint32
	Failed    uint32
}

// IngestPath uploads one local file for owner.
func (s *Service) IngestPath(ctx context.Context, ownerID, path string) (*entity.UploadResult, error) {
	mimeType, ok := constants.MIMEForExt(filepath.Ext(path))
	if !ok {
		return nil, fmt.Errorf("unsupported or missing extension: %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s.Upload(ctx, UploadRequest{
		OwnerID:  ownerID,
		Filename: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	})
}

// IngestDirectory walks root, skips hidden entries if requested, and uploads
// every file with an accepted extension. A failing file does not stop the walk.
func (s *Service) IngestDirectory(ctx context.Context, ownerID, root string, skipHidden bool) ([]FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var (
		results []FileResult
		stats   DirStats
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, FileResult{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := constants.MIMEForExt(filepath.Ext(path)); !ok {
			return nil
		}
		stats.Matched++

		res, err := s.IngestPath(ctx, ownerID, path)
		if err != nil {
			results = append(results, FileResult{Path: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, FileResult{
			Path:      path,
			ReceiptID: res.ReceiptID,
			Status:    res.Status,
			Duplicate: res.Duplicate,
		})
		stats.Succeeded++
		if res.Duplicate {
			stats.Duplicate++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	s.logger.Info("ingest.directory.done",
		"owner_id", ownerID,
		"root", root,
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"duplicate", stats.Duplicate,
		"failed", stats.Failed,
	)
	return results, stats, nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
