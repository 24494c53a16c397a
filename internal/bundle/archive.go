package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
	"github.com/klauspost/compress/gzip"
)

// ErrIncompleteArchive is returned when the written bundle is missing files
// that were selected for it.
var ErrIncompleteArchive = errors.New("bundle is missing selected files")

// Archive describes a written bundle.
type Archive struct {
	Path string
	// Files lists the archived entries in archive order.
	Files []string
	// RawBytes is the uncompressed size of the archived files.
	RawBytes int64
	// Bytes is the size of the compressed archive on disk.
	Bytes int64
}

// Build writes a gzip-compressed tar of the files Resolve selects to dst.
// The entry order is the sorted Resolve order.
func (b *Builder) Build(ctx context.Context, candidates []string, dst string) (Archive, error) {
	files, err := b.Resolve(candidates)
	if err != nil {
		return Archive{}, err
	}
	if len(files) == 0 {
		return Archive{}, ErrEmptyBundle
	}
	return b.write(ctx, files, dst)
}

func (b *Builder) write(ctx context.Context, files []File, dst string) (Archive, error) {
	include := make([]string, len(files))
	names := make([]string, len(files))
	var raw int64
	for i, f := range files {
		include[i] = filepath.FromSlash(f.Path)
		names[i] = f.Path
		raw += f.Size
	}

	stream, err := archive.TarWithOptions(b.root, &archive.TarOptions{
		IncludeFiles: include,
		Compression:  archive.Uncompressed,
	})
	if err != nil {
		return Archive{}, fmt.Errorf("create archive stream: %w", err)
	}
	defer stream.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return Archive{}, fmt.Errorf("create bundle dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return Archive{}, fmt.Errorf("create bundle: %w", err)
	}
	if err := compress(ctx, out, stream); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return Archive{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return Archive{}, fmt.Errorf("close bundle: %w", err)
	}

	// The tar writer logs and skips files it cannot read, so check that
	// every selected file made it in.
	if err := verifyArchive(dst, names); err != nil {
		_ = os.Remove(dst)
		return Archive{}, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Archive{}, fmt.Errorf("stat bundle: %w", err)
	}
	b.logger.Debug("bundle written", "path", dst, "files", len(files), "bytes", info.Size())
	return Archive{Path: dst, Files: names, RawBytes: raw, Bytes: info.Size()}, nil
}

// verifyArchive reads back the entry headers of the bundle at path and fails
// when any of names is absent.
func verifyArchive(path string, names []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	defer gz.Close()

	written := make(map[string]struct{}, len(names))
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		written[strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./")] = struct{}{}
	}

	var missing []string
	for _, name := range names {
		if _, ok := written[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteArchive, strings.Join(missing, ", "))
	}
	return nil
}

func compress(ctx context.Context, w io.Writer, r io.Reader) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := io.Copy(gz, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
