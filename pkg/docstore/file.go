package docstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/oarkflow/json"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

// File is a filesystem-backed DocumentStore. Each document lives at
// <baseDir>/<collection>/<id>.json. A flock guards mutations so several
// processes on one host can share the store; create-if-absent additionally
// relies on O_EXCL for atomicity.
type File struct {
	baseDir  string
	fileLock *flock.Flock
	mu       sync.Mutex
}

func NewFile(baseDir string) (*File, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, err
		}
	}
	return &File{
		baseDir:  baseDir,
		fileLock: flock.New(filepath.Join(baseDir, "store.lock")),
	}, nil
}

func (f *File) path(collection, id string) string {
	return filepath.Join(f.baseDir, collection, id+".json")
}

func (f *File) lock() error {
	f.mu.Lock()
	if err := f.fileLock.Lock(); err != nil {
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *File) unlock() {
	_ = f.fileLock.Unlock()
	f.mu.Unlock()
}

func (f *File) CreateIfAbsent(ctx context.Context, collection, id string, doc contracts.Document) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.unlock()
	path := f.path(collection, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return contracts.ErrConflict
		}
		return err
	}
	defer file.Close()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	return err
}

func (f *File) Read(ctx context.Context, collection, id string) (contracts.Document, error) {
	data, err := os.ReadFile(f.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	var doc contracts.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *File) Upsert(ctx context.Context, collection, id string, doc contracts.Document) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.unlock()
	path := f.path(collection, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (f *File) Delete(ctx context.Context, collection, id string) error {
	if err := f.lock(); err != nil {
		return err
	}
	defer f.unlock()
	err := os.Remove(f.path(collection, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *File) Query(ctx context.Context, collection string, filter contracts.Document) ([]contracts.Document, error) {
	entries, err := os.ReadDir(filepath.Join(f.baseDir, collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []contracts.Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		doc, err := f.Read(ctx, collection, id)
		if err != nil {
			continue
		}
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *File) Close() error {
	return nil
}
