package models

import (
	"fmt"
	"strings"
)

// Document is an opaque record payload. The pipeline never interprets it
// beyond extracting configured field paths.
type Document map[string]any

// RecordID identifies a record globally as (collection, key). The string form
// "collection/key" is the vertex reference used in the edge store.
type RecordID struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

func NewRecordID(collection string, key string) RecordID {
	return RecordID{Collection: collection, Key: key}
}

func (id RecordID) String() string {
	return id.Collection + "/" + id.Key
}

func (id RecordID) IsZero() bool {
	return id.Collection == "" && id.Key == ""
}

// ParseRecordID parses the "collection/key" form. Keys may themselves contain
// slashes; only the first separator splits.
func ParseRecordID(s string) (RecordID, error) {
	collection, key, found := strings.Cut(s, "/")
	if !found || collection == "" || key == "" {
		return RecordID{}, fmt.Errorf("malformed record id %q: want collection/key", s)
	}
	return RecordID{Collection: collection, Key: key}, nil
}

// Record pairs an identity with its document, as returned by batched fetches.
type Record struct {
	ID       RecordID `json:"id"`
	Document Document `json:"document"`
}
