package ports

import (
	"context"
	"io"
)

// RegistryClient downloads plugin files from a remote plugin registry.
type RegistryClient interface {
	// Fetch copies file from repository into w.
	Fetch(ctx context.Context, repository, file string, w io.Writer) error

	// Download copies the content at url into w.
	Download(ctx context.Context, url string, w io.Writer) error
}
