package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reflectai/api/internal/util"
)

// ErrCycle is returned when a move would place a library beneath itself.
var ErrCycle = errors.New("library would become its own ancestor")

// treeLockKey serializes parent changes so two concurrent moves cannot
// together close a loop that neither would close alone.
const treeLockKey = 7_311_024

// maxTreeDepth bounds recursive walks in case a cycle ever reaches disk.
const maxTreeDepth = 1000

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullJSON(value sql.NullString) json.RawMessage {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.RawMessage(value.String)
}

// jsonArg converts a raw JSON document into a parameter for a ::jsonb cast.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func dateArg(day time.Time) string {
	return day.Format("2006-01-02")
}

// ---- users ----

const userColumns = `id, name, email, external_auth_id, created_at, updated_at`

func scanUser(row rowScanner, extra ...any) (User, error) {
	var user User
	dest := append([]any{&user.ID, &user.Name, &user.Email, &user.ExternalAuthID, &user.CreatedAt, &user.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	return user, nil
}

// UpsertUserByEmail returns the user registered under email, creating it on
// first sight. created reports whether this call inserted the row.
func (s *PostgresStore) UpsertUserByEmail(ctx context.Context, name, email, externalAuthID string) (User, bool, error) {
	query := `
		INSERT INTO users (id, name, email, external_auth_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			name = CASE WHEN users.name = '' THEN EXCLUDED.name ELSE users.name END,
			external_auth_id = CASE WHEN users.external_auth_id = '' THEN EXCLUDED.external_auth_id ELSE users.external_auth_id END
		RETURNING ` + userColumns + `, (xmax = 0) AS inserted
	`
	var created bool
	user, err := scanUser(s.db.QueryRowContext(ctx, query, util.NewID("usr"), name, email, externalAuthID), &created)
	if err != nil {
		return User{}, false, fmt.Errorf("upsert user: %w", err)
	}
	return user, created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// ---- libraries ----

const libraryColumns = `l.id, l.title, l.description, l.icon, l.color, l.created_by, l.last_edited_by, l.parent_id,
	l.is_public, l.display_order, l.ai_generated, l.ai_prompt, l.ai_settings::text, l.created_at, l.updated_at`

func scanLibrary(row rowScanner, extra ...any) (Library, error) {
	var lib Library
	var description, icon, color, lastEditedBy, parentID, aiPrompt, aiSettings sql.NullString
	dest := append([]any{
		&lib.ID, &lib.Title, &description, &icon, &color, &lib.CreatedBy, &lastEditedBy, &parentID,
		&lib.IsPublic, &lib.DisplayOrder, &lib.AIGenerated, &aiPrompt, &aiSettings, &lib.CreatedAt, &lib.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Library{}, err
	}
	lib.Description = nullString(description)
	lib.Icon = nullString(icon)
	lib.Color = nullString(color)
	lib.LastEditedBy = nullString(lastEditedBy)
	lib.ParentID = nullString(parentID)
	lib.AIPrompt = nullString(aiPrompt)
	lib.AISettings = nullJSON(aiSettings)
	return lib, nil
}

func scanLibraryAccess(row rowScanner) (LibraryAccess, error) {
	var access LibraryAccess
	lib, err := scanLibrary(row, &access.CollaboratorPermission, &access.ContentCount)
	if err != nil {
		return LibraryAccess{}, err
	}
	access.Library = lib
	return access, nil
}

func collectLibraryAccess(rows *sql.Rows) ([]LibraryAccess, error) {
	defer rows.Close()
	items := make([]LibraryAccess, 0)
	for rows.Next() {
		item, err := scanLibraryAccess(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// accessSelect projects a library joined with the caller's collaborator row,
// whose user id is always bound to the parameter named by userParam.
func accessSelect(userParam string) string {
	return `
		SELECT ` + libraryColumns + `,
			COALESCE(lc.permission, ''),
			(SELECT COUNT(*) FROM content_items ci WHERE ci.library_id = l.id)
		FROM libraries l
		LEFT JOIN library_collaborators lc ON lc.library_id = l.id AND lc.user_id = ` + userParam
}

func (s *PostgresStore) InsertLibrary(ctx context.Context, lib Library) (Library, error) {
	if lib.ID == "" {
		lib.ID = util.NewID("lib")
	}
	query := `
		INSERT INTO libraries AS l (id, title, description, icon, color, created_by, parent_id, is_public,
			display_order, ai_generated, ai_prompt, ai_settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		RETURNING ` + libraryColumns
	created, err := scanLibrary(s.db.QueryRowContext(ctx, query,
		lib.ID, lib.Title, lib.Description, lib.Icon, lib.Color, lib.CreatedBy, lib.ParentID, lib.IsPublic,
		lib.DisplayOrder, lib.AIGenerated, lib.AIPrompt, jsonArg(lib.AISettings),
	))
	if err != nil {
		return Library{}, fmt.Errorf("insert library: %w", err)
	}
	return created, nil
}

// GetLibraryAccess returns sql.ErrNoRows when the library does not exist. It
// never filters by visibility; callers resolve the tier themselves.
func (s *PostgresStore) GetLibraryAccess(ctx context.Context, libraryID, userID string) (LibraryAccess, error) {
	return scanLibraryAccess(s.db.QueryRowContext(ctx, accessSelect("$2")+` WHERE l.id = $1`, libraryID, userID))
}

// ListLibrariesForUser returns owned and shared libraries, most recently
// updated first.
func (s *PostgresStore) ListLibrariesForUser(ctx context.Context, userID string) ([]LibraryAccess, error) {
	rows, err := s.db.QueryContext(ctx, accessSelect("$1")+`
		WHERE l.created_by = $1 OR lc.user_id IS NOT NULL
		ORDER BY l.updated_at DESC, l.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	items, err := collectLibraryAccess(rows)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID, userID string) ([]LibraryAccess, error) {
	rows, err := s.db.QueryContext(ctx, accessSelect("$2")+`
		WHERE l.parent_id = $1
			AND (l.created_by = $2 OR lc.user_id IS NOT NULL OR l.is_public)
		ORDER BY l.display_order, l.title, l.id
	`, parentID, userID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	items, err := collectLibraryAccess(rows)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return items, nil
}

// ListAncestors returns the chain above libraryID, root first. The library
// itself is not included.
func (s *PostgresStore) ListAncestors(ctx context.Context, libraryID string) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT parent_id AS id, 1 AS depth FROM libraries WHERE id = $1 AND parent_id IS NOT NULL
			UNION ALL
			SELECT p.parent_id, c.depth + 1
			FROM libraries p
			JOIN chain c ON p.id = c.id
			WHERE p.parent_id IS NOT NULL AND c.depth < $2
		)
		SELECT `+libraryColumns+`
		FROM chain c
		JOIN libraries l ON l.id = c.id
		ORDER BY c.depth DESC
	`, libraryID, maxTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("list ancestors: %w", err)
	}
	defer rows.Close()

	items := make([]Library, 0)
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		items = append(items, lib)
	}
	return items, rows.Err()
}

// ListAccessibleLibraryIDs returns ids of libraries the user owns or
// collaborates on.
func (s *PostgresStore) ListAccessibleLibraryIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM libraries WHERE created_by = $1
		UNION
		SELECT library_id FROM library_collaborators WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accessible libraries: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type assignments struct {
	sets []string
	args []any
}

func (a *assignments) set(column string, value any) {
	a.args = append(a.args, value)
	a.sets = append(a.sets, fmt.Sprintf("%s = $%d", column, len(a.args)))
}

func (a *assignments) setJSON(column string, value json.RawMessage) {
	a.args = append(a.args, jsonArg(value))
	a.sets = append(a.sets, fmt.Sprintf("%s = $%d::jsonb", column, len(a.args)))
}

func (a *assignments) clear(column string) {
	a.sets = append(a.sets, column+" = NULL")
}

func (a *assignments) bind(value any) string {
	a.args = append(a.args, value)
	return fmt.Sprintf("$%d", len(a.args))
}

var libraryClearColumns = map[string]string{
	FieldDescription: "description",
	FieldIcon:        "icon",
	FieldColor:       "color",
	FieldParentID:    "parent_id",
	FieldAIPrompt:    "ai_prompt",
	FieldAISettings:  "ai_settings",
}

// ClearableLibraryField reports whether name may appear in LibraryPatch.Clear.
func ClearableLibraryField(name string) bool {
	_, ok := libraryClearColumns[name]
	return ok
}

// UpdateLibrary applies patch and records editedBy as the last editor. A new
// parent is checked for cycles under a tree-wide lock in the same transaction.
func (s *PostgresStore) UpdateLibrary(ctx context.Context, libraryID string, patch LibraryPatch, editedBy string) (Library, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Library{}, fmt.Errorf("begin update library: %w", err)
	}
	defer tx.Rollback()

	if patch.ParentID != nil {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, treeLockKey); err != nil {
			return Library{}, fmt.Errorf("lock library tree: %w", err)
		}
		cyclic, err := isWithinSubtree(ctx, tx, libraryID, *patch.ParentID)
		if err != nil {
			return Library{}, err
		}
		if cyclic {
			return Library{}, ErrCycle
		}
	}

	var a assignments
	if patch.Title != nil {
		a.set("title", *patch.Title)
	}
	if patch.Description != nil {
		a.set("description", *patch.Description)
	}
	if patch.Icon != nil {
		a.set("icon", *patch.Icon)
	}
	if patch.Color != nil {
		a.set("color", *patch.Color)
	}
	if patch.ParentID != nil {
		a.set("parent_id", *patch.ParentID)
	}
	if patch.IsPublic != nil {
		a.set("is_public", *patch.IsPublic)
	}
	if patch.DisplayOrder != nil {
		a.set("display_order", *patch.DisplayOrder)
	}
	if patch.AIGenerated != nil {
		a.set("ai_generated", *patch.AIGenerated)
	}
	if patch.AIPrompt != nil {
		a.set("ai_prompt", *patch.AIPrompt)
	}
	if patch.AISettings != nil {
		a.setJSON("ai_settings", patch.AISettings)
	}
	for _, field := range patch.Clear {
		column, ok := libraryClearColumns[field]
		if !ok {
			return Library{}, fmt.Errorf("update library: field %q cannot be cleared", field)
		}
		a.clear(column)
	}
	a.set("last_edited_by", editedBy)
	a.sets = append(a.sets, "updated_at = NOW()")
	idParam := a.bind(libraryID)

	query := `UPDATE libraries AS l SET ` + strings.Join(a.sets, ", ") + ` WHERE l.id = ` + idParam + ` RETURNING ` + libraryColumns
	updated, err := scanLibrary(tx.QueryRowContext(ctx, query, a.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Library{}, err
		}
		return Library{}, fmt.Errorf("update library: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Library{}, fmt.Errorf("commit update library: %w", err)
	}
	return updated, nil
}

// isWithinSubtree reports whether candidateID is rootID or one of its
// descendants.
func isWithinSubtree(ctx context.Context, tx *sql.Tx, rootID, candidateID string) (bool, error) {
	var found bool
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM libraries WHERE id = $1
			UNION ALL
			SELECT c.id, s.depth + 1
			FROM libraries c
			JOIN subtree s ON c.parent_id = s.id
			WHERE s.depth < $3
		)
		SELECT EXISTS (SELECT 1 FROM subtree WHERE id = $2)
	`, rootID, candidateID, maxTreeDepth).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check library subtree: %w", err)
	}
	return found, nil
}

// DeletedTree describes everything removed along with a library.
type DeletedTree struct {
	Library    Library
	LibraryIDs []string
	ContentIDs []string
}

// DeleteLibrary removes the library and, through cascading keys, its whole
// subtree with content, tag links and grants.
func (s *PostgresStore) DeleteLibrary(ctx context.Context, libraryID string) (DeletedTree, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeletedTree{}, fmt.Errorf("begin delete library: %w", err)
	}
	defer tx.Rollback()

	var tree DeletedTree
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM libraries WHERE id = $1
			UNION ALL
			SELECT c.id, s.depth + 1 FROM libraries c JOIN subtree s ON c.parent_id = s.id WHERE s.depth < $2
		)
		SELECT s.id, ci.id
		FROM subtree s
		LEFT JOIN content_items ci ON ci.library_id = s.id
	`, libraryID, maxTreeDepth)
	if err != nil {
		return DeletedTree{}, fmt.Errorf("collect subtree: %w", err)
	}
	seen := map[string]bool{}
	for rows.Next() {
		var libID string
		var contentID sql.NullString
		if err := rows.Scan(&libID, &contentID); err != nil {
			rows.Close()
			return DeletedTree{}, fmt.Errorf("scan subtree: %w", err)
		}
		if !seen[libID] {
			seen[libID] = true
			tree.LibraryIDs = append(tree.LibraryIDs, libID)
		}
		if contentID.Valid {
			tree.ContentIDs = append(tree.ContentIDs, contentID.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return DeletedTree{}, fmt.Errorf("collect subtree: %w", err)
	}
	rows.Close()

	deleted, err := scanLibrary(tx.QueryRowContext(ctx, `DELETE FROM libraries AS l WHERE l.id = $1 RETURNING `+libraryColumns, libraryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeletedTree{}, err
		}
		return DeletedTree{}, fmt.Errorf("delete library: %w", err)
	}
	tree.Library = deleted

	if err := tx.Commit(); err != nil {
		return DeletedTree{}, fmt.Errorf("commit delete library: %w", err)
	}
	return tree, nil
}

// LibraryAudience returns the users entitled to observe library changes.
func (s *PostgresStore) LibraryAudience(ctx context.Context, libraryID string) (Audience, error) {
	audience := Audience{LibraryID: libraryID}
	err := s.db.QueryRowContext(ctx, `SELECT created_by, is_public FROM libraries WHERE id = $1`, libraryID).
		Scan(&audience.OwnerID, &audience.IsPublic)
	if err != nil {
		return Audience{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM library_collaborators WHERE library_id = $1 ORDER BY user_id`, libraryID)
	if err != nil {
		return Audience{}, fmt.Errorf("list audience: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return Audience{}, err
		}
		audience.UserIDs = append(audience.UserIDs, userID)
	}
	return audience, rows.Err()
}

// ---- content items ----

const contentColumns = `c.id, c.library_id, c.title, c.content, c.metadata::text, c.word_count, c.created_by, c.created_at, c.updated_at`

func scanContentItem(row rowScanner, extra ...any) (ContentItem, error) {
	var (
		item      ContentItem
		metadata  sql.NullString
		createdBy sql.NullString
	)
	dest := append([]any{&item.ID, &item.LibraryID, &item.Title, &item.Content, &metadata, &item.WordCount, &createdBy, &item.CreatedAt, &item.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return ContentItem{}, err
	}
	item.Metadata = nullJSON(metadata)
	item.CreatedBy = nullString(createdBy)
	return item, nil
}

func (s *PostgresStore) InsertContentItem(ctx context.Context, item ContentItem) (ContentItem, error) {
	if item.ID == "" {
		item.ID = util.NewID("cnt")
	}
	created, err := scanContentItem(s.db.QueryRowContext(ctx, `
		INSERT INTO content_items AS c (id, library_id, title, content, metadata, word_count, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING `+contentColumns,
		item.ID, item.LibraryID, item.Title, item.Content, jsonArg(item.Metadata), item.WordCount, item.CreatedBy,
	))
	if err != nil {
		return ContentItem{}, fmt.Errorf("insert content item: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetContentItem(ctx context.Context, contentID string) (ContentItem, error) {
	return scanContentItem(s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items c WHERE c.id = $1`, contentID))
}

func (s *PostgresStore) ListContentItems(ctx context.Context, libraryID string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentColumns+`
		FROM content_items c
		WHERE c.library_id = $1
		ORDER BY c.created_at, c.id
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	defer rows.Close()

	items := make([]ContentItem, 0)
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func contentAssignments(patch ContentPatch) (assignments, error) {
	var a assignments
	if patch.Title != nil {
		a.set("title", *patch.Title)
	}
	if patch.Content != nil {
		a.set("content", *patch.Content)
	}
	if patch.Metadata != nil {
		a.setJSON("metadata", patch.Metadata)
	}
	if patch.WordCount != nil {
		a.set("word_count", *patch.WordCount)
	}
	for _, field := range patch.Clear {
		if field != FieldMetadata {
			return assignments{}, fmt.Errorf("update content item: field %q cannot be cleared", field)
		}
		a.clear("metadata")
	}
	a.sets = append(a.sets, "updated_at = NOW()")
	return a, nil
}

func updateContentTx(ctx context.Context, tx *sql.Tx, contentID string, patch ContentPatch) (ContentChange, error) {
	var previous int
	err := tx.QueryRowContext(ctx, `SELECT word_count FROM content_items WHERE id = $1 FOR UPDATE`, contentID).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentChange{}, err
		}
		return ContentChange{}, fmt.Errorf("lock content item: %w", err)
	}

	a, err := contentAssignments(patch)
	if err != nil {
		return ContentChange{}, err
	}
	idParam := a.bind(contentID)
	query := `UPDATE content_items AS c SET ` + strings.Join(a.sets, ", ") + ` WHERE c.id = ` + idParam + ` RETURNING ` + contentColumns
	item, err := scanContentItem(tx.QueryRowContext(ctx, query, a.args...))
	if err != nil {
		return ContentChange{}, fmt.Errorf("update content item: %w", err)
	}
	return ContentChange{Item: item, PreviousWordCount: previous}, nil
}

func (s *PostgresStore) UpdateContentItem(ctx context.Context, contentID string, patch ContentPatch) (ContentChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContentChange{}, fmt.Errorf("begin update content item: %w", err)
	}
	defer tx.Rollback()

	change, err := updateContentTx(ctx, tx, contentID, patch)
	if err != nil {
		return ContentChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return ContentChange{}, fmt.Errorf("commit update content item: %w", err)
	}
	return change, nil
}

// ApplyContentEdit updates a content item and mirrors its title onto the
// owning library in one transaction: either both land or neither does.
func (s *PostgresStore) ApplyContentEdit(ctx context.Context, edit ContentEdit) (ContentChange, Library, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContentChange{}, Library{}, fmt.Errorf("begin content edit: %w", err)
	}
	defer tx.Rollback()

	change, err := updateContentTx(ctx, tx, edit.ContentID, edit.Patch)
	if err != nil {
		return ContentChange{}, Library{}, err
	}

	lib, err := scanLibrary(tx.QueryRowContext(ctx, `
		UPDATE libraries AS l
		SET title = COALESCE($2, l.title), last_edited_by = $3, updated_at = NOW()
		WHERE l.id = $1
		RETURNING `+libraryColumns,
		change.Item.LibraryID, edit.Patch.Title, edit.EditedBy,
	))
	if err != nil {
		return ContentChange{}, Library{}, fmt.Errorf("update library title: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ContentChange{}, Library{}, fmt.Errorf("commit content edit: %w", err)
	}
	return change, lib, nil
}

func (s *PostgresStore) DeleteContentItem(ctx context.Context, contentID string) (ContentItem, error) {
	item, err := scanContentItem(s.db.QueryRowContext(ctx, `DELETE FROM content_items AS c WHERE c.id = $1 RETURNING `+contentColumns, contentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentItem{}, err
		}
		return ContentItem{}, fmt.Errorf("delete content item: %w", err)
	}
	return item, nil
}

// ---- tags ----

// AddTag upserts the tag by name and links it to the library. An existing
// tag keeps its color unless a new one is supplied.
func (s *PostgresStore) AddTag(ctx context.Context, libraryID, name string, color *string) (Tag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Tag{}, fmt.Errorf("begin add tag: %w", err)
	}
	defer tx.Rollback()

	var (
		tag      Tag
		tagColor sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tags (id, name, color)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET color = COALESCE(EXCLUDED.color, tags.color)
		RETURNING id, name, color, created_at
	`, util.NewID("tag"), name, color).Scan(&tag.ID, &tag.Name, &tagColor, &tag.CreatedAt)
	if err != nil {
		return Tag{}, fmt.Errorf("upsert tag: %w", err)
	}
	tag.Color = nullString(tagColor)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO library_tags (library_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, libraryID, tag.ID); err != nil {
		return Tag{}, fmt.Errorf("link tag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Tag{}, fmt.Errorf("commit add tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) ListTags(ctx context.Context, libraryID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.color, t.created_at
		FROM tags t
		JOIN library_tags lt ON lt.tag_id = t.id
		WHERE lt.library_id = $1
		ORDER BY t.name
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var (
			tag   Tag
			color sql.NullString
		)
		if err := rows.Scan(&tag.ID, &tag.Name, &color, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tag.Color = nullString(color)
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ---- collaborators ----

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, libraryID, userID, permission string) (Collaborator, error) {
	var c Collaborator
	err := s.db.QueryRowContext(ctx, `
		WITH upserted AS (
			INSERT INTO library_collaborators (library_id, user_id, permission)
			VALUES ($1, $2, $3)
			ON CONFLICT (library_id, user_id) DO UPDATE SET permission = EXCLUDED.permission
			RETURNING user_id, permission, created_at
		)
		SELECT u.id, u.name, u.email, up.permission, up.created_at
		FROM upserted up
		JOIN users u ON u.id = up.user_id
	`, libraryID, userID, permission).Scan(&c.UserID, &c.Name, &c.Email, &c.Permission, &c.CreatedAt)
	if err != nil {
		return Collaborator{}, fmt.Errorf("upsert collaborator: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, libraryID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, lc.permission, lc.created_at
		FROM library_collaborators lc
		JOIN users u ON u.id = lc.user_id
		WHERE lc.library_id = $1
		ORDER BY u.name, u.id
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.Name, &c.Email, &c.Permission, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ---- streaks ----

const streakColumns = `user_id, current_streak, longest_streak, last_entry_date, streak_updated_at`

func scanStreak(row rowScanner) (UserStreak, error) {
	var (
		streak UserStreak
		last   sql.NullTime
	)
	if err := row.Scan(&streak.UserID, &streak.CurrentStreak, &streak.LongestStreak, &last, &streak.StreakUpdatedAt); err != nil {
		return UserStreak{}, err
	}
	if last.Valid {
		day := last.Time
		streak.LastEntryDate = &day
	}
	return streak, nil
}

// GetStreak returns a zero streak for users who have never written.
func (s *PostgresStore) GetStreak(ctx context.Context, userID string) (UserStreak, error) {
	streak, err := scanStreak(s.db.QueryRowContext(ctx, `SELECT `+streakColumns+` FROM user_streaks WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return UserStreak{UserID: userID}, nil
	}
	if err != nil {
		return UserStreak{}, fmt.Errorf("get streak: %w", err)
	}
	return streak, nil
}

// RecordDailyWords adds delta to the user's total for day and lets advance
// compute the next streak from the locked current one and the new day total.
func (s *PostgresStore) RecordDailyWords(
	ctx context.Context,
	userID string,
	day time.Time,
	delta int,
	advance func(current UserStreak, dayTotal int) UserStreak,
) (UserStreak, DailyWordCount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UserStreak{}, DailyWordCount{}, fmt.Errorf("begin record words: %w", err)
	}
	defer tx.Rollback()

	var daily DailyWordCount
	err = tx.QueryRowContext(ctx, `
		INSERT INTO daily_word_counts (user_id, entry_date, word_count)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (user_id, entry_date) DO UPDATE
			SET word_count = daily_word_counts.word_count + EXCLUDED.word_count, updated_at = NOW()
		RETURNING user_id, entry_date, word_count
	`, userID, dateArg(day), delta).Scan(&daily.UserID, &daily.EntryDate, &daily.WordCount)
	if err != nil {
		return UserStreak{}, DailyWordCount{}, fmt.Errorf("add daily words: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO user_streaks (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID); err != nil {
		return UserStreak{}, DailyWordCount{}, fmt.Errorf("ensure streak: %w", err)
	}
	current, err := scanStreak(tx.QueryRowContext(ctx, `SELECT `+streakColumns+` FROM user_streaks WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return UserStreak{}, DailyWordCount{}, fmt.Errorf("lock streak: %w", err)
	}

	next := advance(current, daily.WordCount)
	if !sameStreak(current, next) {
		var last any
		if next.LastEntryDate != nil {
			last = dateArg(*next.LastEntryDate)
		}
		current, err = scanStreak(tx.QueryRowContext(ctx, `
			UPDATE user_streaks
			SET current_streak = $2, longest_streak = $3, last_entry_date = $4::date, streak_updated_at = NOW()
			WHERE user_id = $1
			RETURNING `+streakColumns,
			userID, next.CurrentStreak, next.LongestStreak, last,
		))
		if err != nil {
			return UserStreak{}, DailyWordCount{}, fmt.Errorf("update streak: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UserStreak{}, DailyWordCount{}, fmt.Errorf("commit record words: %w", err)
	}
	return current, daily, nil
}

func sameStreak(a, b UserStreak) bool {
	if a.CurrentStreak != b.CurrentStreak || a.LongestStreak != b.LongestStreak {
		return false
	}
	if (a.LastEntryDate == nil) != (b.LastEntryDate == nil) {
		return false
	}
	return a.LastEntryDate == nil || a.LastEntryDate.Equal(*b.LastEntryDate)
}

// ResetStaleStreaks zeroes every active streak whose last entry precedes
// today and returns how many users were affected.
func (s *PostgresStore) ResetStaleStreaks(ctx context.Context, today time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_streaks
		SET current_streak = 0, streak_updated_at = NOW()
		WHERE last_entry_date < $1::date AND current_streak <> 0
	`, dateArg(today))
	if err != nil {
		return 0, fmt.Errorf("reset streaks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset streaks: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) ListDailyWordCounts(ctx context.Context, userID string, from, to time.Time) ([]DailyWordCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, entry_date, word_count
		FROM daily_word_counts
		WHERE user_id = $1 AND entry_date BETWEEN $2::date AND $3::date
		ORDER BY entry_date
	`, userID, dateArg(from), dateArg(to))
	if err != nil {
		return nil, fmt.Errorf("list daily words: %w", err)
	}
	defer rows.Close()

	items := make([]DailyWordCount, 0)
	for rows.Next() {
		var item DailyWordCount
		if err := rows.Scan(&item.UserID, &item.EntryDate, &item.WordCount); err != nil {
			return nil, fmt.Errorf("scan daily words: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) WritingTotals(ctx context.Context, userID string) (WritingTotals, error) {
	var totals WritingTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(word_count), 0), COUNT(*) FILTER (WHERE word_count > 0)
		FROM daily_word_counts
		WHERE user_id = $1
	`, userID).Scan(&totals.TotalWords, &totals.DaysWritten)
	if err != nil {
		return WritingTotals{}, fmt.Errorf("writing totals: %w", err)
	}
	return totals, nil
}
