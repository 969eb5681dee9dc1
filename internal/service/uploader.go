package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wipeworks/wiped/internal/model"
)

// Archived is the document uploaders store for every finished job.
type Archived struct {
	Job         model.JobRecord   `json:"job"`
	Certificate model.Certificate `json:"certificate"`
}

func marshalArchived(record model.JobRecord, cert model.Certificate) ([]byte, error) {
	b, err := json.Marshal(Archived{Job: record, Certificate: cert})
	if err != nil {
		return nil, fmt.Errorf("marshaling certificate: %w", err)
	}
	return b, nil
}

// uploaders returns the uploaders configured by cfg. Dir "-" writes the
// documents to stdout.
func uploaders(cfg model.Archive) ([]model.Uploader, error) {
	var uploaders []model.Uploader
	switch cfg.Dir {
	case "":
	case "-":
		uploaders = append(uploaders, NewWriteUploader(os.Stdout))
	default:
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}

	if cfg.Repository.Enabled {
		u, err := NewCertRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

// WriteUploader writes one JSON document per line.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, record model.JobRecord, cert model.Certificate) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	b, err := marshalArchived(record, cert)
	if err != nil {
		return err
	}
	_, err = u.w.Write(append(b, '\n'))
	return err
}

// OSRootUploader keeps a certificate file per finished job inside a directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, record model.JobRecord, cert model.Certificate) error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	b, err := marshalArchived(record, cert)
	if err != nil {
		return err
	}

	finished := record.CreatedAt
	if record.FinishedAt != nil {
		finished = *record.FinishedAt
	}
	path := record.Kind.Slug() + "-" + finished.Format("2006-01-02-15-04-05") + "-" + shortID(record.ID) + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating certificate file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving certificate: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing certificate file: %w", err)
	}
	slog.InfoContext(ctx, "certificate archived", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
