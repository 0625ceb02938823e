// Package chromem backs context retrieval with an embedded chromem-go
// vector database, so the service needs no external vector store.
package chromem

import (
	"context"
	"fmt"
	"os"
	"runtime"

	chromem "github.com/philippgille/chromem-go"
	"github.com/linnemanlabs/go-core/log"
)

// Document is one indexable chunk of the knowledge base.
type Document struct {
	ID      string
	Source  string // file or page the chunk came from
	Content string
}

// Store wraps a persistent chromem collection and implements
// triage.Retriever.
type Store struct {
	coll   *chromem.Collection
	logger log.Logger
}

// New opens (or creates) the persistent database at path and the named
// collection. embed may be nil, in which case chromem's default embedding
// function is used.
func New(path, collection string, embed chromem.EmbeddingFunc, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create vector store dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	coll, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &Store{coll: coll, logger: logger}, nil
}

// Index adds documents to the collection, embedding them concurrently.
func (s *Store) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	out := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, chromem.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: map[string]string{"source": d.Source},
		})
	}
	if err := s.coll.AddDocuments(ctx, out, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index documents: %w", err)
	}
	s.logger.Info(ctx, "documents indexed", "count", len(docs), "total", s.coll.Count())
	return nil
}

// Count returns the number of indexed documents.
func (s *Store) Count() int {
	return s.coll.Count()
}

// Search returns up to k chunks relevant to the query, best match first,
// each prefixed with its source so drafts can cite where context came from.
func (s *Store) Search(ctx context.Context, query string, k int) ([]string, error) {
	// chromem rejects k larger than the collection, so clamp.
	if n := s.coll.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := s.coll.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	chunks := make([]string, 0, len(results))
	for _, r := range results {
		source := r.Metadata["source"]
		if source == "" {
			source = r.ID
		}
		chunks = append(chunks, fmt.Sprintf("[From: %s]\n%s", source, r.Content))
	}
	return chunks, nil
}
