// Package fs is the single gateway through which a compile touches the file system.
// Every open is validated, optionally recorded into the request's AccessLog and
// has its failure normalized into the taxonomy of internal/errors.
package fs

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/multierr"
)

// Module is the Fx module for this package.
var Module = fx.Provide(afero.NewOsFs, New)

// File is a handle returned by the facade.
type File = afero.File

// CompilerFS wraps the file system operations performed on behalf of a compile request.
type CompilerFS interface {
	// FileExists reports whether path names an existing regular file. It is not recorded.
	FileExists(path string) bool
	// Open records the attempt on path, then opens it.
	Open(ctx context.Context, path string, mode FileMode, access FileAccess, share FileShare, log *AccessLog) (File, error)
	// OpenWithOptions opens path and, on success, records the normalized absolute path it opened.
	OpenWithOptions(ctx context.Context, path string, mode FileMode, access FileAccess, share FileShare, bufferSize int, options FileOptions, log *AccessLog) (File, string, error)
	// ReadFile opens path for reading through Open and returns its contents.
	ReadFile(ctx context.Context, path string, log *AccessLog) ([]byte, error)
	MkdirAll(path string) error
	Remove(path string) error
}

type fsImpl struct {
	backing afero.Fs
}

// New creates a new CompilerFS over the given backing file system.
func New(backing afero.Fs) CompilerFS {
	return &fsImpl{backing: backing}
}

// FileExists reports whether path names an existing regular file.
func (f *fsImpl) FileExists(path string) bool {
	info, err := f.backing.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Open records the attempt before forwarding it, so that accesses to files which turn out to be missing are still reported.
func (f *fsImpl) Open(ctx context.Context, path string, mode FileMode, access FileAccess, share FileShare, log *AccessLog) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errors.CancelledError{Err: err}
	}
	if err := validateOpen(path, mode, access, share); err != nil {
		return nil, err
	}

	RecordAccess(log, access, path)

	file, err := f.backing.OpenFile(path, openFlags(mode, access, OptionNone), 0o666)
	if err != nil {
		return nil, normalizeError(path, err)
	}
	return file, nil
}

// OpenWithOptions records only successful opens, using the normalized absolute path of the opened file.
func (f *fsImpl) OpenWithOptions(ctx context.Context, path string, mode FileMode, access FileAccess, share FileShare, bufferSize int, options FileOptions, log *AccessLog) (File, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", &errors.CancelledError{Err: err}
	}
	if err := validateOpen(path, mode, access, share); err != nil {
		return nil, "", err
	}
	if bufferSize < 0 {
		return nil, "", &errors.ArgumentError{Param: "bufferSize", Message: "positive number required"}
	}
	if !options.valid() {
		return nil, "", &errors.ArgumentError{Param: "options", Message: fmt.Sprintf("unknown options 0x%x", int(options))}
	}

	normalized, err := filepath.Abs(path)
	if err != nil {
		return nil, "", normalizeError(path, err)
	}

	file, err := f.backing.OpenFile(normalized, openFlags(mode, access, options), 0o666)
	if err != nil {
		return nil, "", normalizeError(path, err)
	}
	if options&OptionDeleteOnClose != 0 {
		file = &deleteOnCloseFile{File: file, backing: f.backing, name: normalized}
	}

	RecordAccess(log, access, normalized)
	return file, normalized, nil
}

// ReadFile opens path for reading and returns its contents.
func (f *fsImpl) ReadFile(ctx context.Context, path string, log *AccessLog) ([]byte, error) {
	file, err := f.Open(ctx, path, ModeOpen, AccessRead, ShareRead, log)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, normalizeError(path, err)
	}
	return contents, nil
}

// MkdirAll creates a directory and all its parents.
func (f *fsImpl) MkdirAll(path string) error {
	return normalizeError(path, f.backing.MkdirAll(path, os.ModePerm))
}

// Remove deletes the named file or empty directory.
func (f *fsImpl) Remove(path string) error {
	return normalizeError(path, f.backing.Remove(path))
}

func validateOpen(path string, mode FileMode, access FileAccess, share FileShare) error {
	switch {
	case path == "":
		return &errors.ArgumentError{Param: "path", Message: "empty path is not legal"}
	case strings.ContainsRune(path, 0):
		return &errors.ArgumentError{Param: "path", Message: "path contains a null character"}
	case !mode.valid():
		return &errors.ArgumentError{Param: "mode", Message: fmt.Sprintf("unknown file mode %s", mode)}
	case !access.valid():
		return &errors.ArgumentError{Param: "access", Message: fmt.Sprintf("unknown file access %s", access)}
	case !share.valid():
		return &errors.ArgumentError{Param: "share", Message: fmt.Sprintf("unknown file share 0x%x", int(share))}
	case access == AccessRead && mode.writes(), mode == ModeAppend && access != AccessWrite:
		return &errors.ArgumentError{Param: "access", Message: fmt.Sprintf("combining FileMode %s with FileAccess %s is invalid", mode, access)}
	}
	return nil
}

// normalizeError maps a raw file system failure onto the error taxonomy.
// Argument and already normalized errors pass through unchanged.
func normalizeError(path string, err error) error {
	if err == nil {
		return nil
	}

	var (
		argErr      *errors.ArgumentError
		notFoundErr *errors.FileNotFoundError
		ioErr       *errors.IOError
		cancelErr   *errors.CancelledError
	)
	switch {
	case stderr.As(err, &argErr), stderr.As(err, &notFoundErr), stderr.As(err, &ioErr), stderr.As(err, &cancelErr):
		return err
	case stderr.Is(err, iofs.ErrNotExist), stderr.Is(err, syscall.ENOTDIR):
		return &errors.FileNotFoundError{Path: path, Err: err}
	default:
		return &errors.IOError{Path: path, Message: ioMessage(err), Err: err}
	}
}

// ioMessage strips the operation and path prefix from a *PathError, since IOError carries its own path.
func ioMessage(err error) string {
	var pathErr *iofs.PathError
	if stderr.As(err, &pathErr) && pathErr.Err != nil {
		return pathErr.Err.Error()
	}
	return err.Error()
}

type deleteOnCloseFile struct {
	File
	backing afero.Fs
	name    string
}

func (f *deleteOnCloseFile) Close() error {
	err := f.File.Close()
	if rmErr := f.backing.Remove(f.name); rmErr != nil && !stderr.Is(rmErr, iofs.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	return normalizeError(f.name, err)
}
