package hostfuncs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Downloader copies the body of a GET on url into w.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) error
}

// DownloadFile fetches url into path inside root. A failed download never
// leaves a truncated file at path.
func DownloadFile(ctx context.Context, root *os.Root, client Downloader, url, path string, opts ...NetguardOption) error {
	if err := CheckURL(url, opts...); err != nil {
		return err
	}
	if err := WriteFile(root, path, func(w io.Writer) error {
		return client.Download(ctx, url, w)
	}); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}
	return nil
}

// WriteFile creates path inside root with the content fill writes. The
// content goes to a temporary sibling that is renamed into place only when
// fill succeeds.
func WriteFile(root *os.Root, path string, fill func(w io.Writer) error) error {
	rel, err := LocalPath(path)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := rel + ".part"
	f, err := root.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	err = fill(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = root.Remove(tmp)
		return err
	}

	if err := root.Rename(tmp, rel); err != nil {
		_ = root.Remove(tmp)
		return err
	}
	return nil
}
