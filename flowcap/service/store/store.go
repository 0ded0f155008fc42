// Package store persists captured flows as one pretty-printed JSON file per flow.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

var (
	// ErrNotFound is returned by Read when no flow file has the requested name.
	ErrNotFound = errors.New("flow file not found")
	// ErrInvalidName is returned by Read for names that are not a plain flow filename.
	ErrInvalidName = errors.New("invalid flow filename")
)

// ParseError reports a stored flow file that is not valid JSON.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse flow file %s: %v", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError reports a failure to persist a flow.
type WriteError struct {
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write flow file %s: %v", e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FlowDir is the flows directory. Each flow is written once and only removed
// by Clear. Safe for concurrent use; the filesystem is the only shared state.
type FlowDir struct {
	dir    string
	now    func() time.Time
	remove func(root *os.Root, name string) error
}

// Open prepares dir for flow storage, creating it if needed and verifying it
// is writable.
func Open(dir string) (*FlowDir, error) {
	if dir == "" {
		return nil, errors.New("flows directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create flows directory: %w", err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("flows directory %s not writable: %w", dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &FlowDir{dir: dir, now: time.Now, remove: (*os.Root).Remove}, nil
}

// Dir returns the storage directory path.
func (d *FlowDir) Dir() string { return d.dir }

// Put decodes a submitted flow record and writes it under a Name-derived
// filename, returning that filename.
func (d *FlowDir) Put(rec codec.Value) (string, error) {
	decoded := normalizeMethod(codec.Decode(rec))
	name := Name(decoded, d.now())

	data, err := codec.Indent(decoded)
	if err != nil {
		return "", &WriteError{Name: name, Err: err}
	}
	if err := d.writeFile(name, data); err != nil {
		return "", &WriteError{Name: name, Err: err}
	}
	return name, nil
}

// normalizeMethod upper-cases request.method in the stored record so it
// matches the filename.
func normalizeMethod(rec codec.Value) codec.Value {
	request, ok := rec.Get("request")
	if !ok {
		return rec
	}
	method, ok := request.Get("method")
	if !ok {
		return rec
	}
	s, ok := method.Str()
	if !ok || s == strings.ToUpper(s) {
		return rec
	}
	return rec.Set("request", request.Set("method", codec.String(strings.ToUpper(s))))
}

// writeFile replaces name atomically: a reader sees either the previous file
// or the complete new one. Symlinks at the target are refused.
func (d *FlowDir) writeFile(name string, data []byte) error {
	path := filepath.Join(d.dir, name)
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to write to symlink: %s", path)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	tmp, err := os.CreateTemp(d.dir, ".flow-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	} else if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	} else if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// List returns the flow filenames, most recent first.
func (d *FlowDir) List() ([]string, error) {
	names, err := d.flowFiles()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	slices.Reverse(names)
	return names, nil
}

// Count returns the number of stored flows.
func (d *FlowDir) Count() int {
	names, err := d.flowFiles()
	if err != nil {
		return 0
	}
	return len(names)
}

func (d *FlowDir) flowFiles() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read flows directory: %w", err)
	}
	entries = bulk.SliceFilterInPlace(func(e fs.DirEntry) bool {
		return e.Type().IsRegular() && isFlowFile(e.Name())
	}, entries)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func isFlowFile(name string) bool {
	return strings.HasSuffix(name, FileExt) && !strings.HasPrefix(name, ".")
}

// Read loads a stored flow by filename. The name must be a bare flow
// filename; lookups never leave the flows directory.
func (d *FlowDir) Read(name string) (codec.Value, error) {
	if err := ValidateName(name); err != nil {
		return codec.Value{}, err
	}

	root, err := os.OpenRoot(d.dir)
	if err != nil {
		return codec.Value{}, fmt.Errorf("open flows directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return codec.Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return codec.Value{}, fmt.Errorf("open flow file %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return codec.Value{}, fmt.Errorf("stat flow file %s: %w", name, err)
	} else if !info.Mode().IsRegular() {
		return codec.Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return codec.Value{}, fmt.Errorf("read flow file %s: %w", name, err)
	}

	rec, err := codec.Parse(data)
	if err != nil {
		return codec.Value{}, &ParseError{Name: name, Err: err}
	}
	return rec, nil
}

// ValidateName rejects anything other than a plain flow filename. Without
// separators the only parent directory segment is ".." itself.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case filepath.IsAbs(name) || filepath.VolumeName(name) != "":
		return fmt.Errorf("%w: %q is not relative", ErrInvalidName, name)
	case !isFlowFile(name):
		return fmt.Errorf("%w: %q is not a %s flow file", ErrInvalidName, name, FileExt)
	}
	return nil
}

// Clear deletes every flow file and returns how many were removed. Files
// that cannot be removed are logged and skipped.
func (d *FlowDir) Clear() (int, error) {
	names, err := d.flowFiles()
	if err != nil {
		return 0, err
	}

	root, err := os.OpenRoot(d.dir)
	if err != nil {
		return 0, fmt.Errorf("open flows directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	var deleted int
	for _, name := range names {
		if err := d.remove(root, name); err != nil {
			log.Printf("store: failed to delete %s: %v", name, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
