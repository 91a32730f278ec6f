package search

import (
	"context"

	"reflectai/api/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLibrary ResultType = "library"
	ResultEntry   ResultType = "entry"
)

const (
	defaultLimit   = 20
	maxLimit       = 100
	maxIndexedText = 20_000
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	LibraryID string     `json:"libraryId"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
}

// Query describes a search request. Only libraries listed in LibraryIDs, and
// entries inside them, may match.
type Query struct {
	Text       string
	LibraryIDs []string
	FilterType ResultType
	Limit      int
	Offset     int
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// LibraryRecord is the data indexed for a library.
type LibraryRecord struct {
	ID          string `json:"id"`
	LibraryID   string `json:"libraryId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// EntryRecord is the data indexed for a content item.
type EntryRecord struct {
	ID        string `json:"id"`
	LibraryID string `json:"libraryId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}

func LibraryRecordFrom(lib store.Library) LibraryRecord {
	record := LibraryRecord{ID: lib.ID, LibraryID: lib.ID, Title: lib.Title}
	if lib.Description != nil {
		record.Description = *lib.Description
	}
	return record
}

func EntryRecordFrom(item store.ContentItem) EntryRecord {
	content := item.Content
	if len(content) > maxIndexedText {
		content = content[:maxIndexedText]
	}
	return EntryRecord{ID: item.ID, LibraryID: item.LibraryID, Title: item.Title, Content: content}
}
