package model

import "context"

// Uploader receives every persisted certificate once the job it belongs to has
// finished.
type Uploader interface {
	Upload(ctx context.Context, record JobRecord, cert Certificate) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
