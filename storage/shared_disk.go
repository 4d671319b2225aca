package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"vo_platform/base"

	"golang.org/x/sys/unix"
)

// SharedDisk keeps files in a directory that the server and its workers
// both see, usually on a local or network mounted disk.
type SharedDisk struct {
	root string
}

func NewSharedDisk(root string) *SharedDisk {
	slog.Info("using shared disk storage", "root", root)
	return &SharedDisk{root: filepath.Clean(root)}
}

func (d *SharedDisk) FullPath(p string) (string, error) {
	full := filepath.Join(d.root, filepath.FromSlash(p))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %v", ErrOutsideStorage, p)
	}
	return full, nil
}

func (d *SharedDisk) Rel(fullpath string) (string, error) {
	rel, err := filepath.Rel(d.root, fullpath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %v", ErrOutsideStorage, fullpath)
	}
	return filepath.ToSlash(rel), nil
}

func (d *SharedDisk) Read(p string) (io.ReadCloser, error) {
	full, err := d.FullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, base.NewNotFoundError("file", p, "")
	case err != nil:
		slog.Error("cannot open stored file", "path", full, "error", err)
		return nil, fmt.Errorf("cannot read %v: %w", p, err)
	}
	return f, nil
}

func (d *SharedDisk) Write(p string, data io.Reader, limit int64) (int64, error) {
	full, err := d.FullPath(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return 0, fmt.Errorf("cannot create directory for %v: %w", p, err)
	}

	// written to a temporary name so readers never see partial files
	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*")
	if err != nil {
		slog.Error("cannot create stored file", "path", full, "error", err)
		return 0, fmt.Errorf("cannot write %v: %w", p, err)
	}
	defer os.Remove(tmp.Name())

	src := data
	if limit >= 0 {
		src = io.LimitReader(data, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("cannot write %v: %w", p, err)
	}
	if limit >= 0 && n > limit {
		return n, &base.TooLargeError{Limit: limit}
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return n, fmt.Errorf("cannot write %v: %w", p, err)
	}
	return n, nil
}

func (d *SharedDisk) MkdirAll(p string) error {
	full, err := d.FullPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0700); err != nil {
		return fmt.Errorf("cannot create directory %v: %w", p, err)
	}
	return nil
}

func (d *SharedDisk) Delete(p string) error {
	full, err := d.FullPath(p)
	if err != nil {
		return err
	}
	if full == d.root {
		return fmt.Errorf("%w: refusing to delete the storage root", ErrOutsideStorage)
	}
	if err := os.RemoveAll(full); err != nil {
		slog.Error("cannot delete stored files", "path", full, "error", err)
		return fmt.Errorf("cannot delete %v: %w", p, err)
	}
	return nil
}

func (d *SharedDisk) Exists(p string) (bool, error) {
	full, err := d.FullPath(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("cannot stat %v: %w", p, err)
	}
}

func (d *SharedDisk) DiskUsage(p string) (int64, error) {
	full, err := d.FullPath(p)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(full, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func (d *SharedDisk) Usage() (UsageStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return UsageStats{}, fmt.Errorf("cannot stat file system of %v: %w", d.root, err)
	}
	return UsageStats{
		TotalBytes: st.Blocks * uint64(st.Bsize),
		FreeBytes:  st.Bavail * uint64(st.Bsize),
	}, nil
}
