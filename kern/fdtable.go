package kern

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

// ErrBadFD is returned for a descriptor that is not open.
var ErrBadFD = errors.New("kern: bad file descriptor")

// FileTable is a process descriptor table. Tables are shared between
// processes spawned without SpawnCopyFD or SpawnCleanFD. Entries that
// implement io.Closer are closed when their last reference goes away.
type FileTable struct {
	files map[int]*fileRef
	refs  atomic.Int32
	mu    hostsync.Mutex
}

// fileRef is an open file, possibly referenced from several tables.
type fileRef struct {
	v    any
	refs atomic.Int32
}

// NewFileTable returns an empty table with one reference.
func NewFileTable() *FileTable {
	t := &FileTable{files: make(map[int]*fileRef)}
	t.refs.Store(1)
	return t
}

// Install stores v at the lowest free descriptor.
func (t *FileTable) Install(v any) int {
	f := &fileRef{v: v}
	f.refs.Store(1)
	t.mu.Enter()
	defer t.mu.Exit()
	fd := 0
	for t.files[fd] != nil {
		fd++
	}
	t.files[fd] = f
	return fd
}

// Get returns the file at fd.
func (t *FileTable) Get(fd int) (any, error) {
	t.mu.Enter()
	defer t.mu.Exit()
	f := t.files[fd]
	if f == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return f.v, nil
}

// Close removes fd, closing the file if this was its last reference.
func (t *FileTable) Close(fd int) error {
	t.mu.Enter()
	f := t.files[fd]
	delete(t.files, fd)
	t.mu.Exit()
	if f == nil {
		return fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return f.release()
}

// Len returns the number of open descriptors.
func (t *FileTable) Len() int {
	t.mu.Enter()
	defer t.mu.Exit()
	return len(t.files)
}

// Descriptors returns the open descriptors, in ascending order.
func (t *FileTable) Descriptors() []int {
	t.mu.Enter()
	fds := make([]int, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	t.mu.Exit()
	slices.Sort(fds)
	return fds
}

// RefCount returns the number of processes sharing the table.
func (t *FileTable) RefCount() int32 { return t.refs.Load() }

// copy returns a new table referencing the same open files.
func (t *FileTable) copy() *FileTable {
	n := NewFileTable()
	t.mu.Enter()
	for fd, f := range t.files {
		f.refs.Add(1)
		n.files[fd] = f
	}
	t.mu.Exit()
	return n
}

func (t *FileTable) share() *FileTable {
	t.refs.Add(1)
	return t
}

// release drops a process reference, closing every descriptor on the last.
func (t *FileTable) release() error {
	if t.refs.Add(-1) != 0 {
		return nil
	}
	t.mu.Enter()
	files := t.files
	t.files = make(map[int]*fileRef)
	t.mu.Exit()
	var errs []error
	for _, f := range files {
		if err := f.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fileRef) release() error {
	if f.refs.Add(-1) != 0 {
		return nil
	}
	if c, ok := f.v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
