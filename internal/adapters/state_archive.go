package adapters

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/klauspost/compress/zstd"

	"repo-publisher/internal/ports"
)

// StateArchiveAdapter packs a directory as a zstd-compressed tarball.
// Regular files, directories and symlinks are preserved; aptly publishes
// with symlinks into its pool.
type StateArchiveAdapter struct{}

func NewStateArchiveAdapter() StateArchiveAdapter {
	return StateArchiveAdapter{}
}

func (a StateArchiveAdapter) Create(srcDir string, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return archiveError("failed to create state archive", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return archiveError("failed to initialize zstd writer", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = enc.Close()
		return archiveError("failed to archive state", walkErr)
	}
	if err := tw.Close(); err != nil {
		return archiveError("failed to finish tar stream", err)
	}
	if err := enc.Close(); err != nil {
		return archiveError("failed to finish zstd stream", err)
	}
	return out.Close()
}

func (a StateArchiveAdapter) Extract(archivePath string, destDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return archiveError("failed to open state archive", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return archiveError("failed to initialize zstd reader", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return archiveError("failed to create state directory", err)
	}
	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return archiveError("failed to read state archive", err)
		}
		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := extractEntry(tr, header, target); err != nil {
			return archiveError(fmt.Sprintf("failed to extract %s", header.Name), err)
		}
	}
}

func extractEntry(tr *tar.Reader, header *tar.Header, target string) error {
	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return nil
	}
}

func safeJoin(root string, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != filepath.Clean(root) && !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("archive entry %q escapes the destination", name))
	}
	return target, nil
}

func archiveError(msg string, err error) error {
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg(msg).
		WithCause(err)
}

var _ ports.StateArchivePort = StateArchiveAdapter{}
