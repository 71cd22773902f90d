package store

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/dim"
)

// documentFutureWindow is how far ahead of the local clock a document's
// time field may be before the document is rejected.
const documentFutureWindow = 65 * time.Second

// documentTypeVisa is the default document type when none is declared.
const documentTypeVisa = "visa"

// AccountStore persists entity meta and documents under the public root
// and the local users list under the private root.
type AccountStore struct {
	db     Database
	logger *slog.Logger

	mu        sync.Mutex
	metas     map[string]map[string]any
	documents map[string]map[string]any
}

// NewAccountStore creates an account store over the given layout.
func NewAccountStore(db Database, logger *slog.Logger) *AccountStore {
	return &AccountStore{
		db:        db,
		logger:    logger.With(slog.String("component", "store.accounts")),
		metas:     make(map[string]map[string]any),
		documents: make(map[string]map[string]any),
	}
}

// SaveMeta stores an entity's meta. Meta is immutable: writing a second
// meta for the same address fails with ErrMetaExists.
func (s *AccountStore) SaveMeta(id dim.ID, meta map[string]any) error {
	if meta == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.db.metaPath(id.Address)
	if _, cached := s.metas[string(id.Address)]; cached {
		return ErrMetaExists
	}
	if _, err := os.Stat(path); err == nil {
		return ErrMetaExists
	}
	if err := writeJSON(path, meta); err != nil {
		return err
	}
	s.metas[string(id.Address)] = meta
	return nil
}

// Meta returns an entity's meta, or nil when unknown.
func (s *AccountStore) Meta(id dim.ID) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.metas[string(id.Address)]; ok {
		return meta
	}
	var meta map[string]any
	if err := readJSON(s.db.metaPath(id.Address), &meta); err != nil {
		return nil
	}
	s.metas[string(id.Address)] = meta
	return meta
}

// SaveDocument stores an entity document. Documents timestamped more than
// 65 seconds ahead of the local clock are rejected with ErrDocumentFuture.
func (s *AccountStore) SaveDocument(id dim.ID, document map[string]any) error {
	if document == nil {
		return ErrNotFound
	}
	if f, ok := document["time"].(float64); ok {
		docTime := time.UnixMilli(int64(f * 1000))
		if docTime.After(time.Now().Add(documentFutureWindow)) {
			return ErrDocumentFuture
		}
	}

	docType, _ := document["type"].(string)
	if docType == "" {
		docType = documentTypeVisa
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.db.documentPath(id.Address, docType), document); err != nil {
		return err
	}
	s.documents[docKey(id.Address, docType)] = document
	return nil
}

// Document returns an entity document of the given type ("" means visa),
// or nil when unknown.
func (s *AccountStore) Document(id dim.ID, docType string) map[string]any {
	if docType == "" {
		docType = documentTypeVisa
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.documents[docKey(id.Address, docType)]; ok {
		return doc
	}
	var doc map[string]any
	if err := readJSON(s.db.documentPath(id.Address, docType), &doc); err != nil {
		return nil
	}
	s.documents[docKey(id.Address, docType)] = doc
	return doc
}

// DisplayName returns the entity's document name, falling back to the ID
// name and finally the full identifier string.
func (s *AccountStore) DisplayName(id dim.ID) string {
	if doc := s.Document(id, ""); doc != nil {
		if name, _ := doc["name"].(string); name != "" {
			return name
		}
	}
	if id.Name != "" {
		return id.Name
	}
	return id.String()
}

// LocalUsers returns the station-local users list from private/users.js.
func (s *AccountStore) LocalUsers() []dim.ID {
	var users []string
	if err := readJSON(s.db.usersPath(), &users); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("users list unreadable", slog.Any("error", err))
		}
		return nil
	}
	return dim.ConvertIDs(users)
}

// SaveLocalUsers replaces the station-local users list.
func (s *AccountStore) SaveLocalUsers(users []dim.ID) error {
	return writeJSON(s.db.usersPath(), dim.RevertIDs(users))
}

func docKey(addr dim.Address, docType string) string {
	return string(addr) + "#" + docType
}
