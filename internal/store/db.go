// Package store implements the station's persistence layer: the in-memory
// offline message queues and the file-backed entity database (meta,
// documents, login commands, local users, neighbor tables).
//
// The file layout is path-shaped JSON under two roots:
//
//	public/{address}/meta.js            entity meta (immutable once written)
//	public/{address}/documents/{type}.js entity documents
//	public/{address}/stations.js        provider's station list
//	public/providers.js                 service provider table
//	private/{address}/login.js          latest login command per user
//	private/users.js                    local users list
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dim-network/godim/internal/dim"
)

// Sentinel errors for the file-backed stores.
var (
	// ErrMetaExists indicates an attempt to overwrite an existing meta.
	ErrMetaExists = errors.New("meta is immutable once written")

	// ErrDocumentFuture indicates a document timestamped too far ahead.
	ErrDocumentFuture = errors.New("document time is in the far future")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Database resolves the on-disk layout shared by the file-backed stores.
type Database struct {
	// Public is the root for world-readable entity records.
	Public string

	// Private is the root for station-local records.
	Private string
}

// NewDatabase builds the layout from config values. Empty public/private
// default to {root}/public and {root}/private.
func NewDatabase(root, public, private string) Database {
	if public == "" {
		public = filepath.Join(root, "public")
	}
	if private == "" {
		private = filepath.Join(root, "private")
	}
	return Database{Public: public, Private: private}
}

// metaPath returns public/{address}/meta.js.
func (d Database) metaPath(addr dim.Address) string {
	return filepath.Join(d.Public, string(addr), "meta.js")
}

// documentPath returns public/{address}/documents/{type}.js.
func (d Database) documentPath(addr dim.Address, docType string) string {
	return filepath.Join(d.Public, string(addr), "documents", docType+".js")
}

// providersPath returns public/providers.js.
func (d Database) providersPath() string {
	return filepath.Join(d.Public, "providers.js")
}

// stationsPath returns public/{address}/stations.js.
func (d Database) stationsPath(addr dim.Address) string {
	return filepath.Join(d.Public, string(addr), "stations.js")
}

// loginPath returns private/{address}/login.js.
func (d Database) loginPath(addr dim.Address) string {
	return filepath.Join(d.Private, string(addr), "login.js")
}

// usersPath returns private/users.js.
func (d Database) usersPath() string {
	return filepath.Join(d.Private, "users.js")
}

// readJSON loads one JSON record. Missing files map to ErrNotFound.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSON stores one JSON record atomically: write to a temp file in the
// same directory, then rename over the destination.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
