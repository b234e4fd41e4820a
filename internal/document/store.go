// Package document owns the authoritative text state for every open
// document: URI to text with strictly increasing versions, sequential
// application of incremental edits, and UTF-16 position mapping.
package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// Errors reported by the store. All are document-state errors: the store is
// left unchanged and the process continues.
var (
	ErrAlreadyOpen  = errors.New("document already open")
	ErrNotOpen      = errors.New("document not open")
	ErrStaleVersion = errors.New("document version not increasing")
)

// Snapshot is a read-only view of a document at a single version.
type Snapshot struct {
	URI        protocol.DocumentURI
	LanguageID string
	Version    int32
	Text       string

	idx *Index
}

// Index returns the position index for the snapshot's text.
func (s Snapshot) Index() *Index { return s.idx }

// ByteOffset converts an LSP position to a byte offset in the snapshot text.
func (s Snapshot) ByteOffset(pos protocol.Position) int { return s.idx.ByteOffset(pos) }

// Position converts a byte offset in the snapshot text to an LSP position.
func (s Snapshot) Position(offset int) protocol.Position { return s.idx.Position(offset) }

// document is a single open document. Its mutex serializes all access per
// URI, so a reader never observes a half-applied edit.
type document struct {
	mu         sync.Mutex
	uri        protocol.DocumentURI
	languageID string
	version    int32
	text       string
	idx        *Index
}

func (d *document) snapshotLocked() Snapshot {
	return Snapshot{
		URI:        d.uri,
		LanguageID: d.languageID,
		Version:    d.version,
		Text:       d.text,
		idx:        d.idx,
	}
}

// Store is the authoritative URI-to-document mapping. It is owned by the server
// and passed explicitly to handlers; there is no process-wide registry.
type Store struct {
	mu   sync.Mutex
	docs map[protocol.DocumentURI]*document
}

// NewStore creates an empty document store.
func NewStore() *Store {
	return &Store{docs: make(map[protocol.DocumentURI]*document)}
}

func (s *Store) lookup(uri protocol.DocumentURI) (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[uri]
	if d == nil {
		return nil, fmt.Errorf("%q: %w", uri, ErrNotOpen)
	}
	return d, nil
}

// Open creates a document at the given version. Opening a URI that is
// already open is a protocol error.
func (s *Store) Open(uri protocol.DocumentURI, languageID string, version int32, text string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; ok {
		return Snapshot{}, fmt.Errorf("%q: %w", uri, ErrAlreadyOpen)
	}
	d := &document{
		uri:        uri,
		languageID: languageID,
		version:    version,
		text:       text,
		idx:        NewIndex(text),
	}
	s.docs[uri] = d
	return d.snapshotLocked(), nil
}

// Change applies a batch of edits and moves the document to version. The
// version must be strictly greater than the current one; otherwise the
// document is left unchanged and ErrStaleVersion is returned. Edits apply in
// array order, each against the text produced by the previous edit.
func (s *Store) Change(uri protocol.DocumentURI, version int32, changes []protocol.TextDocumentContentChangeEvent) (Snapshot, error) {
	d, err := s.lookup(uri)
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if version <= d.version {
		return Snapshot{}, fmt.Errorf("%q: version %d <= current %d: %w", uri, version, d.version, ErrStaleVersion)
	}
	text, idx := d.text, d.idx
	for _, change := range changes {
		if change.Range == nil {
			text = change.Text
		} else {
			start := idx.ByteOffset(change.Range.Start)
			end := idx.ByteOffset(change.Range.End)
			if end < start {
				start, end = end, start
			}
			text = text[:start] + change.Text + text[end:]
		}
		// The next edit in the batch addresses the text just produced.
		idx = NewIndex(text)
	}
	d.text, d.idx = text, idx
	d.version = version
	return d.snapshotLocked(), nil
}

// Close removes the document.
func (s *Store) Close(uri protocol.DocumentURI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return fmt.Errorf("%q: %w", uri, ErrNotOpen)
	}
	delete(s.docs, uri)
	return nil
}

// Snapshot returns a consistent read-only view of the document.
func (s *Store) Snapshot(uri protocol.DocumentURI) (Snapshot, error) {
	d, err := s.lookup(uri)
	if err != nil {
		return Snapshot{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), nil
}
