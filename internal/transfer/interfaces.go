package transfer

import (
	"context"
	"io"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

// Downloader reads object metadata and content. Satisfied by *gcs.Client.
type Downloader interface {
	GetObject(ctx context.Context, bucket, name string) (*gcs.Object, error)
	DownloadTo(ctx context.Context, bucket, name string, w io.Writer) (int64, error)
}

// Uploader stores a payload, choosing the protocol itself. Satisfied by
// *gcs.Client.
type Uploader interface {
	Upload(ctx context.Context, bucket, name string, r io.Reader, opts gcs.UploadOptions) (*gcs.Object, error)
}

// SessionUploader drives resumable sessions explicitly. Satisfied by
// *gcs.Client and type-asserted on the Uploader, so a plain Uploader still
// works without session persistence.
type SessionUploader interface {
	StartResumable(ctx context.Context, bucket, name string, opts gcs.UploadOptions) (*gcs.UploadSession, error)
	UploadToSession(ctx context.Context, session *gcs.UploadSession, r io.Reader, chunkSize int64) (*gcs.Object, error)
	ResumeUpload(ctx context.Context, session *gcs.UploadSession, r io.ReadSeeker, chunkSize int64) (*gcs.Object, error)
}
