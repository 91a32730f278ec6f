package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"reflectai/api/internal/config"
	"reflectai/api/internal/export"
	"reflectai/api/internal/rbac"
	"reflectai/api/internal/realtime"
	"reflectai/api/internal/revision"
	"reflectai/api/internal/store"
)

const defaultEntryTitle = "Untitled"

type CreateContentInput struct {
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	WordCount int             `json:"wordCount"`
}

type UpdateContentInput struct {
	Title     *string         `json:"title"`
	Content   *string         `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	WordCount *int            `json:"wordCount"`
	Clear     []string        `json:"clear"`
}

func validWordCount(words int) error {
	if words < 0 {
		return invalidInput("wordCount must not be negative", map[string]string{"field": "wordCount"})
	}
	return nil
}

func (s *Service) CreateContent(ctx context.Context, libraryID, userID string, input CreateContentInput) (store.ContentItem, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionWrite); err != nil {
		return store.ContentItem{}, err
	}
	if err := validWordCount(input.WordCount); err != nil {
		return store.ContentItem{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = defaultEntryTitle
	}
	author := userID
	created, err := s.store.InsertContentItem(ctx, store.ContentItem{
		LibraryID: libraryID,
		Title:     title,
		Content:   input.Content,
		Metadata:  nullJSON(input.Metadata),
		WordCount: input.WordCount,
		CreatedBy: &author,
	})
	if err != nil {
		return store.ContentItem{}, err
	}
	s.afterContentWrite(ctx, userID, created, 0, "Create entry")
	return created, nil
}

func (s *Service) ListContent(ctx context.Context, libraryID, userID string) ([]store.ContentItem, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListContentItems(ctx, libraryID)
}

// contentFor loads an entry and checks the caller's tier on its library.
// Entries in invisible libraries are reported as missing.
func (s *Service) contentFor(ctx context.Context, contentID, userID string, action rbac.Action) (store.ContentItem, store.LibraryAccess, error) {
	item, err := s.store.GetContentItem(ctx, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ContentItem{}, store.LibraryAccess{}, notFound("Entry not found")
		}
		return store.ContentItem{}, store.LibraryAccess{}, err
	}
	access, _, err := s.authorize(ctx, item.LibraryID, userID, action)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Code == "NOT_FOUND" {
			return store.ContentItem{}, store.LibraryAccess{}, notFound("Entry not found")
		}
		return store.ContentItem{}, store.LibraryAccess{}, err
	}
	return item, access, nil
}

func (s *Service) GetContent(ctx context.Context, contentID, userID string) (store.ContentItem, error) {
	item, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionRead)
	return item, err
}

func contentPatch(input UpdateContentInput) (store.ContentPatch, error) {
	patch := store.ContentPatch{
		Title:     input.Title,
		Content:   input.Content,
		Metadata:  nullJSON(input.Metadata),
		WordCount: input.WordCount,
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			title = defaultEntryTitle
		}
		patch.Title = &title
	}
	if patch.WordCount != nil {
		if err := validWordCount(*patch.WordCount); err != nil {
			return store.ContentPatch{}, err
		}
	}
	for _, field := range input.Clear {
		if field != store.FieldMetadata {
			return store.ContentPatch{}, invalidInput("Field cannot be cleared", map[string]string{"field": field})
		}
		if patch.Metadata != nil {
			return store.ContentPatch{}, invalidInput("Field is both set and cleared", map[string]string{"field": field})
		}
		if len(patch.Clear) == 0 {
			patch.Clear = append(patch.Clear, field)
		}
	}
	return patch, nil
}

func (s *Service) UpdateContent(ctx context.Context, contentID, userID string, input UpdateContentInput) (store.ContentItem, error) {
	if _, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionWrite); err != nil {
		return store.ContentItem{}, err
	}
	patch, err := contentPatch(input)
	if err != nil {
		return store.ContentItem{}, err
	}
	change, err := s.store.UpdateContentItem(ctx, contentID, patch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ContentItem{}, notFound("Entry not found")
		}
		return store.ContentItem{}, err
	}
	s.afterContentWrite(ctx, userID, change.Item, change.PreviousWordCount, "Update entry")
	return change.Item, nil
}

func (s *Service) DeleteContent(ctx context.Context, contentID, userID string) (store.ContentItem, error) {
	if _, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionWrite); err != nil {
		return store.ContentItem{}, err
	}
	deleted, err := s.store.DeleteContentItem(ctx, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ContentItem{}, notFound("Entry not found")
		}
		return store.ContentItem{}, err
	}
	if s.search != nil {
		s.search.Remove(nil, []string{contentID})
	}
	if s.revisions != nil {
		if err := s.revisions.Remove(contentID); err != nil {
			s.log.Warn("remove revision history", zap.String("content_id", contentID), zap.Error(err))
		}
	}
	return deleted, nil
}

// afterContentWrite runs the side effects of a saved entry. None of them
// fail the write: each is logged and skipped.
func (s *Service) afterContentWrite(ctx context.Context, userID string, item store.ContentItem, previousWords int, message string) {
	if s.search != nil {
		s.search.IndexEntry(item)
	}
	if s.revisions != nil {
		_, err := s.revisions.Record(item.ID, revision.Snapshot{
			Title:     item.Title,
			Content:   item.Content,
			Metadata:  item.Metadata,
			WordCount: item.WordCount,
		}, userID, message)
		if err != nil && !errors.Is(err, revision.ErrUnchanged) {
			s.log.Warn("record revision", zap.String("content_id", item.ID), zap.Error(err))
		}
	}
	if delta := item.WordCount - previousWords; delta > 0 && s.streaks != nil {
		if _, err := s.streaks.RecordWords(ctx, userID, delta); err != nil {
			s.log.Warn("record streak words", zap.String("user_id", userID), zap.Int("words", delta), zap.Error(err))
		}
	}
}

func (s *Service) ListRevisions(ctx context.Context, contentID, userID string, limit int) ([]revision.Revision, error) {
	if _, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return []revision.Revision{}, nil
	}
	return s.revisions.History(contentID, limit)
}

type RevisionDetail struct {
	revision.Revision
	Snapshot revision.Snapshot `json:"snapshot"`
}

func (s *Service) GetRevision(ctx context.Context, contentID, userID, hash string) (RevisionDetail, error) {
	if _, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionRead); err != nil {
		return RevisionDetail{}, err
	}
	if s.revisions == nil {
		return RevisionDetail{}, notFound("Revision not found")
	}
	snap, rev, err := s.revisions.At(contentID, hash)
	if err != nil {
		if errors.Is(err, revision.ErrNoHistory) {
			return RevisionDetail{}, notFound("Revision not found")
		}
		return RevisionDetail{}, err
	}
	return RevisionDetail{Revision: rev, Snapshot: snap}, nil
}

// ApplyEdit applies a realtime edit and decides who hears about it. It is
// the realtime.Editor the websocket hub calls for every updateLibrary event.
func (s *Service) ApplyEdit(ctx context.Context, userID string, edit realtime.Edit) (realtime.Update, error) {
	contentID := edit.Target()
	if contentID == "" {
		return realtime.Update{}, invalidInput("contentId is required", map[string]string{"field": "contentId"})
	}
	if _, _, err := s.contentFor(ctx, contentID, userID, rbac.ActionWrite); err != nil {
		return realtime.Update{}, err
	}
	patch, err := contentPatch(UpdateContentInput{
		Title:     edit.Title,
		Content:   edit.Content,
		Metadata:  edit.Metadata,
		WordCount: edit.WordCount,
	})
	if err != nil {
		return realtime.Update{}, err
	}

	change, lib, err := s.store.ApplyContentEdit(ctx, store.ContentEdit{ContentID: contentID, Patch: patch, EditedBy: userID})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return realtime.Update{}, notFound("Entry not found")
		}
		return realtime.Update{}, err
	}
	s.afterContentWrite(ctx, userID, change.Item, change.PreviousWordCount, "Live edit")
	if s.search != nil {
		s.search.IndexLibrary(lib)
	}

	return realtime.Update{Payload: change.Item, Audience: s.audienceFor(ctx, lib, userID)}, nil
}

func (s *Service) audienceFor(ctx context.Context, lib store.Library, editorID string) realtime.Audience {
	if s.cfg.Realtime.BroadcastScope == config.ScopeGlobal || lib.IsPublic {
		return realtime.Audience{All: true}
	}
	audience, err := s.store.LibraryAudience(ctx, lib.ID)
	if err != nil {
		s.log.Warn("load library audience", zap.String("library_id", lib.ID), zap.Error(err))
		return realtime.Audience{UserIDs: uniqueIDs(lib.CreatedBy, editorID)}
	}
	if audience.IsPublic {
		return realtime.Audience{All: true}
	}
	return realtime.Audience{UserIDs: uniqueIDs(append([]string{audience.OwnerID, editorID}, audience.UserIDs...)...)}
}

func uniqueIDs(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ExportLibrary renders a library and its entries for download.
func (s *Service) ExportLibrary(ctx context.Context, libraryID, userID, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(rawFormat)))
	if err != nil {
		return nil, invalidInput("format must be html or pdf", map[string]string{"field": "format"})
	}
	access, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available", nil)
	}

	items, err := s.store.ListContentItems(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListTags(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	journal := export.Journal{
		ID:        access.ID,
		Title:     access.Title,
		UpdatedAt: access.UpdatedAt,
		Tags:      make([]string, 0, len(tags)),
		Entries:   make([]export.Entry, 0, len(items)),
	}
	if access.Description != nil {
		journal.Description = *access.Description
	}
	if owner, err := s.store.GetUserByID(ctx, access.CreatedBy); err == nil {
		journal.Owner = owner.Name
	}
	for _, tag := range tags {
		journal.Tags = append(journal.Tags, tag.Name)
	}
	for _, item := range items {
		journal.Entries = append(journal.Entries, export.Entry{
			Title:     item.Title,
			Content:   item.Content,
			Doc:       export.DocFromMetadata(item.Metadata),
			WordCount: item.WordCount,
			UpdatedAt: item.UpdatedAt,
		})
	}

	result, err := s.exporter.Export(ctx, journal, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
		}
		return nil, err
	}
	return result, nil
}
