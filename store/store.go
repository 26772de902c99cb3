// Package store persists market records as JSON documents grouped in
// collections. The coordinator writes to a Store only after a state
// transition has committed in memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
)

const (
	CollectionBids         = "bids"
	CollectionMatches      = "matches"
	CollectionTransactions = "transactions"
	CollectionAuctions     = "auctions"
)

var ErrNotFound = errors.New("document not found")

// Document is a record in its JSON object form.
type Document map[string]any

// Query selects documents whose top-level fields equal the given values.
// An empty query selects the whole collection.
type Query map[string]any

type Store interface {
	// Save inserts or replaces the document stored under id.
	Save(ctx context.Context, collection, id string, doc Document) error
	// Update merges patch into the top-level fields of an existing document.
	Update(ctx context.Context, collection, id string, patch Document) error
	// Find returns matching documents in insertion order.
	Find(ctx context.Context, collection string, query Query) ([]Document, error)
	Close() error
}

// ToDocument converts v to its JSON object form.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

// Decode converts doc back into v.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return json.Unmarshal(raw, v)
}

func merge(doc, patch Document) Document {
	out := maps.Clone(doc)
	if out == nil {
		out = Document{}
	}
	maps.Copy(out, patch)
	return out
}

// normalize gives a value the shape it takes after a JSON round-trip so that
// query values compare equal to decoded document fields.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (q Query) matches(doc Document) bool {
	for k, want := range q {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}
