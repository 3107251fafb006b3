package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
)

// Reader reads one page of a query.
type Reader[T any] interface {
	ReadPage(ctx context.Context, q Query, after Cursor) (Page[T], error)
}

// Writer writes a single document.
type Writer interface {
	WriteDocument(ctx context.Context, collection, id string, data any) error
}

// FirestoreStore reads and writes documents of type T in Firestore.
type FirestoreStore[T any] struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreStore creates a store over an existing client. The client's
// lifecycle is managed externally.
func NewFirestoreStore[T any](client *firestore.Client, logger zerolog.Logger) (*FirestoreStore[T], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	return &FirestoreStore[T]{
		client: client,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// buildQuery orders by q.OrderBy and then by document ID, so a cursor of
// (order value, document ID) is always unambiguous.
func (s *FirestoreStore[T]) buildQuery(q Query, after Cursor) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, c := range q.Constraints {
		fq = fq.Where(c.Field, c.Op, c.Value)
	}
	dir := firestore.Asc
	if q.Direction == Desc {
		dir = firestore.Desc
	}
	if q.OrderBy != "" {
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	fq = fq.OrderBy(firestore.DocumentID, dir)
	if !after.IsZero() {
		fq = fq.StartAfter(after.Values...)
	}
	// One extra document tells us whether another page exists.
	return fq.Limit(q.PageSize + 1)
}

// ReadPage reads up to q.PageSize documents after the cursor.
func (s *FirestoreStore[T]) ReadPage(ctx context.Context, q Query, after Cursor) (Page[T], error) {
	var page Page[T]
	if q.PageSize <= 0 {
		return page, fmt.Errorf("page size must be positive, got %d", q.PageSize)
	}

	snaps, err := s.buildQuery(q, after).Documents(ctx).GetAll()
	if err != nil {
		s.logger.Error().Err(err).Str("collection", q.Collection).Msg("Failed to read page from Firestore.")
		return page, classify("read "+q.Collection, err)
	}

	if len(snaps) > q.PageSize {
		page.HasMore = true
		snaps = snaps[:q.PageSize]
	}
	page.Items = make([]Document[T], 0, len(snaps))
	for _, snap := range snaps {
		var data T
		if err := snap.DataTo(&data); err != nil {
			return Page[T]{}, fmt.Errorf("firestore DataTo for %s/%s: %w", q.Collection, snap.Ref.ID, err)
		}
		page.Items = append(page.Items, Document[T]{ID: snap.Ref.ID, Data: data})
	}

	if n := len(snaps); n > 0 && page.HasMore {
		last := snaps[n-1]
		if q.OrderBy != "" {
			v, err := last.DataAt(q.OrderBy)
			if err != nil {
				return Page[T]{}, fmt.Errorf("firestore cursor field %s missing on %s: %w", q.OrderBy, last.Ref.ID, err)
			}
			page.Next.Values = append(page.Next.Values, v)
		}
		page.Next.Values = append(page.Next.Values, last.Ref.ID)
	}

	s.logger.Debug().Str("collection", q.Collection).Int("count", len(page.Items)).Bool("has_more", page.HasMore).Msg("Read page from Firestore.")
	return page, nil
}

// WriteDocument creates or overwrites a single document.
func (s *FirestoreStore[T]) WriteDocument(ctx context.Context, collection, id string, data any) error {
	_, err := s.client.Collection(collection).Doc(id).Set(ctx, data)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", collection).Str("doc_id", id).Msg("Failed to write document to Firestore.")
		return classify("write "+collection+"/"+id, err)
	}
	s.logger.Debug().Str("collection", collection).Str("doc_id", id).Msg("Successfully wrote document to Firestore.")
	return nil
}
