package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	libraryVector = "to_tsvector('english', coalesce(l.title, '') || ' ' || coalesce(l.description, ''))"
	entryVector   = "to_tsvector('english', coalesce(c.title, '') || ' ' || coalesce(c.content, ''))"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// ftsParts returns the UNION ALL branches selected by the query's type filter.
// $1 is the query text and $2 the permitted library ids.
func ftsParts(filter ResultType) (selects, counts []string) {
	tsQuery := "plainto_tsquery('english', $1)"
	if filter == "" || filter == ResultLibrary {
		selects = append(selects, fmt.Sprintf(`
			SELECT 'library'::text AS type, l.id, l.id AS library_id, l.title,
				ts_headline('english', coalesce(l.description, ''), %[2]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%[1]s, %[2]s) AS rank
			FROM libraries l
			WHERE l.id = ANY($2) AND %[1]s @@ %[2]s`, libraryVector, tsQuery))
		counts = append(counts, fmt.Sprintf(`SELECT count(*) FROM libraries l WHERE l.id = ANY($2) AND %s @@ %s`, libraryVector, tsQuery))
	}
	if filter == "" || filter == ResultEntry {
		selects = append(selects, fmt.Sprintf(`
			SELECT 'entry'::text AS type, c.id, c.library_id, c.title,
				ts_headline('english', coalesce(c.content, ''), %[2]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%[1]s, %[2]s) AS rank
			FROM content_items c
			WHERE c.library_id = ANY($2) AND %[1]s @@ %[2]s`, entryVector, tsQuery))
		counts = append(counts, fmt.Sprintf(`SELECT count(*) FROM content_items c WHERE c.library_id = ANY($2) AND %s @@ %s`, entryVector, tsQuery))
	}
	return selects, counts
}

// Search ranks libraries and entries inside q.LibraryIDs with ts_rank and
// highlights snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.LibraryIDs) == 0 {
		return nil, 0, nil
	}
	q = q.normalized()

	selects, counts := ftsParts(q.FilterType)
	if len(selects) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`SELECT type, id, library_id, title, snippet FROM (%s) AS hits
		ORDER BY rank DESC, title ASC
		LIMIT $3 OFFSET $4`, strings.Join(selects, " UNION ALL "))

	rows, err := p.db.QueryContext(ctx, query, q.Text, q.LibraryIDs, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.LibraryID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := "SELECT (" + strings.Join(counts, ") + (") + ")"
	var total int
	if err := p.db.QueryRowContext(ctx, countQuery, q.Text, q.LibraryIDs).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every library and entry for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LibraryRecord, []EntryRecord, error) {
	libRows, err := p.db.QueryContext(ctx, `SELECT id, title, coalesce(description, '') FROM libraries`)
	if err != nil {
		return nil, nil, fmt.Errorf("load libraries: %w", err)
	}
	defer libRows.Close()

	var libraries []LibraryRecord
	for libRows.Next() {
		var r LibraryRecord
		if err := libRows.Scan(&r.ID, &r.Title, &r.Description); err != nil {
			return nil, nil, err
		}
		r.LibraryID = r.ID
		libraries = append(libraries, r)
	}
	if err := libRows.Err(); err != nil {
		return nil, nil, err
	}

	entryRows, err := p.db.QueryContext(ctx, `SELECT id, library_id, title, left(content, $1) FROM content_items`, maxIndexedText)
	if err != nil {
		return nil, nil, fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()

	var entries []EntryRecord
	for entryRows.Next() {
		var r EntryRecord
		if err := entryRows.Scan(&r.ID, &r.LibraryID, &r.Title, &r.Content); err != nil {
			return nil, nil, err
		}
		entries = append(entries, r)
	}
	return libraries, entries, entryRows.Err()
}
