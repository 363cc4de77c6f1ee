// Package shm implements the shared-memory fabric that carries HORUS topics
// and tensor pools between processes: named, sized, mmap'd regions plus the
// lock-free ring buffer and tensor arena built on top of them.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxTotalSize bounds any single shared-memory region HORUS will create or
// attach to. It exists to catch misconfigured capacities before they reach
// mmap, not as a hard kernel limit.
const MaxTotalSize = 100 * 1024 * 1024 // 100MB

var (
	ErrInvalidSize     = errors.New("shm: invalid region size")
	ErrSizeMismatch    = errors.New("shm: existing region size mismatch")
	ErrNotFound        = errors.New("shm: region does not exist")
	ErrPermissionDenied = errors.New("shm: permission denied")
)

// BaseDir returns the directory HORUS places its shared-memory backing
// files in. On Linux this is /dev/shm/horus, a tmpfs, matching the
// POSIX shared-memory convention the original implementation relies on.
// It falls back to a subdirectory of os.TempDir() when /dev/shm is absent
// (e.g. in a sandboxed CI container), so tests remain portable.
func BaseDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm/horus"
	}
	return filepath.Join(os.TempDir(), "horus-shm")
}

// Region is a named, sized, mapped shared-memory segment with owner/attacher
// semantics: the first process to create a name with a given size becomes
// its owner and zero-fills it; every later attacher maps the same bytes
// read/write and validates the size matches.
//
// A Region never unlinks its backing file on Close — only an external
// administrative "clean shared memory" pass does that, so a long-lived
// consumer never loses its backing because a short-lived producer exited
// first.
type Region struct {
	name    string
	path    string
	size    int
	data    []byte
	file    *os.File
	isOwner bool

	mu     sync.Mutex
	closed bool
}

// CreateOrAttach creates the named region at size bytes if it does not yet
// exist (zero-filled, owner=true), or attaches to it if it does (owner=
// false). It fails with ErrInvalidSize if size exceeds MaxTotalSize, and
// with ErrSizeMismatch if an existing region was created with a different
// size.
func CreateOrAttach(name string, size int) (*Region, error) {
	if size <= 0 || size > MaxTotalSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidSize, size, MaxTotalSize)
	}
	return createOrAttachUnbounded(name, size)
}

// createOrAttachUnbounded is CreateOrAttach without the MaxTotalSize check,
// used by callers (TensorPool) that enforce their own, larger ceiling.
func createOrAttachUnbounded(name string, size int) (*Region, error) {
	dir := BaseDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shm: create base dir: %w", err)
	}
	path := filepath.Join(dir, name)

	isOwner := false
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		isOwner = true
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %q: %w", name, err)
		}
	case os.IsExist(err):
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %q: %v", ErrPermissionDenied, name, err)
			}
			return nil, fmt.Errorf("shm: open %q: %w", name, err)
		}
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, fmt.Errorf("shm: stat %q: %w", name, statErr)
		}
		if int(info.Size()) != size {
			f.Close()
			return nil, fmt.Errorf("%w: %q has %d bytes, requested %d", ErrSizeMismatch, name, info.Size(), size)
		}
	case os.IsPermission(err):
		return nil, fmt.Errorf("%w: %q: %v", ErrPermissionDenied, name, err)
	default:
		return nil, fmt.Errorf("shm: create %q: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}

	if isOwner {
		for i := range data {
			data[i] = 0
		}
	}

	return &Region{
		name:    name,
		path:    path,
		size:    size,
		data:    data,
		file:    f,
		isOwner: isOwner,
	}, nil
}

// Open attaches to an existing named region only; it fails with ErrNotFound
// if no backing file for name exists.
func Open(name string) (*Region, error) {
	path := filepath.Join(BaseDir(), name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("shm: stat %q: %w", name, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %q: %w", name, err)
	}

	size := int(info.Size())
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}

	return &Region{
		name: name,
		path: path,
		size: size,
		data: data,
		file: f,
	}, nil
}

// Bytes returns the mapped region as a byte slice. Callers build typed
// views (headers, ring slots, tensor arenas) on top of it via unsafe
// pointer casts; the Region itself has no notion of structure.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the region's total byte size.
func (r *Region) Size() int { return r.size }

// Name returns the region's name.
func (r *Region) Name() string { return r.name }

// IsOwner reports whether this process created the region (true) or
// attached to an existing one (false).
func (r *Region) IsOwner() bool { return r.isOwner }

// Close unmaps the region. It never unlinks the backing file — that is
// the administrative "clean shared memory" tool's job, not a per-handle
// destructor's, so that a peer process attached to the same name keeps
// working after this handle goes away.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("shm: munmap %q: %w", r.name, err)
	}
	return r.file.Close()
}

// Unlink removes the backing file for name. It is the "clean shared
// memory" administrative operation referenced by the core's lifecycle
// contract — not something a Region handle calls on itself.
func Unlink(name string) error {
	path := filepath.Join(BaseDir(), name)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %q: %w", name, err)
	}
	return nil
}
