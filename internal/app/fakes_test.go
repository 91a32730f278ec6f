package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"reflectai/api/internal/config"
	"reflectai/api/internal/export"
	"reflectai/api/internal/revision"
	"reflectai/api/internal/search"
	"reflectai/api/internal/store"
	"reflectai/api/internal/streak"
)

const testSecret = "test-secret"

func testConfig() config.Config {
	var cfg config.Config
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AccessTTL = time.Hour
	cfg.Auth.AdminToken = "admin-token"
	cfg.Realtime.BroadcastScope = config.ScopeLibrary
	return cfg
}

// fakeStore answers every call with sql.ErrNoRows unless the matching fn
// field is set.
type fakeStore struct {
	pingFn              func(context.Context) error
	upsertUserFn        func(context.Context, string, string, string) (store.User, bool, error)
	getUserFn           func(context.Context, string) (store.User, error)
	insertLibraryFn     func(context.Context, store.Library) (store.Library, error)
	getAccessFn         func(context.Context, string, string) (store.LibraryAccess, error)
	listLibrariesFn     func(context.Context, string) ([]store.LibraryAccess, error)
	listChildrenFn      func(context.Context, string, string) ([]store.LibraryAccess, error)
	listAncestorsFn     func(context.Context, string) ([]store.Library, error)
	accessibleIDsFn     func(context.Context, string) ([]string, error)
	updateLibraryFn     func(context.Context, string, store.LibraryPatch, string) (store.Library, error)
	deleteLibraryFn     func(context.Context, string) (store.DeletedTree, error)
	audienceFn          func(context.Context, string) (store.Audience, error)
	insertContentFn     func(context.Context, store.ContentItem) (store.ContentItem, error)
	getContentFn        func(context.Context, string) (store.ContentItem, error)
	listContentFn       func(context.Context, string) ([]store.ContentItem, error)
	updateContentFn     func(context.Context, string, store.ContentPatch) (store.ContentChange, error)
	applyEditFn         func(context.Context, store.ContentEdit) (store.ContentChange, store.Library, error)
	deleteContentFn     func(context.Context, string) (store.ContentItem, error)
	addTagFn            func(context.Context, string, string, *string) (store.Tag, error)
	listTagsFn          func(context.Context, string) ([]store.Tag, error)
	upsertCollabFn      func(context.Context, string, string, string) (store.Collaborator, error)
	listCollaboratorsFn func(context.Context, string) ([]store.Collaborator, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) UpsertUserByEmail(ctx context.Context, name, email, ext string) (store.User, bool, error) {
	if f.upsertUserFn != nil {
		return f.upsertUserFn(ctx, name, email, ext)
	}
	return store.User{}, false, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) InsertLibrary(ctx context.Context, lib store.Library) (store.Library, error) {
	if f.insertLibraryFn != nil {
		return f.insertLibraryFn(ctx, lib)
	}
	return store.Library{}, sql.ErrNoRows
}

func (f *fakeStore) GetLibraryAccess(ctx context.Context, libraryID, userID string) (store.LibraryAccess, error) {
	if f.getAccessFn != nil {
		return f.getAccessFn(ctx, libraryID, userID)
	}
	return store.LibraryAccess{}, sql.ErrNoRows
}

func (f *fakeStore) ListLibrariesForUser(ctx context.Context, userID string) ([]store.LibraryAccess, error) {
	if f.listLibrariesFn != nil {
		return f.listLibrariesFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListChildren(ctx context.Context, parentID, userID string) ([]store.LibraryAccess, error) {
	if f.listChildrenFn != nil {
		return f.listChildrenFn(ctx, parentID, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListAncestors(ctx context.Context, libraryID string) ([]store.Library, error) {
	if f.listAncestorsFn != nil {
		return f.listAncestorsFn(ctx, libraryID)
	}
	return nil, nil
}

func (f *fakeStore) ListAccessibleLibraryIDs(ctx context.Context, userID string) ([]string, error) {
	if f.accessibleIDsFn != nil {
		return f.accessibleIDsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateLibrary(ctx context.Context, id string, patch store.LibraryPatch, editedBy string) (store.Library, error) {
	if f.updateLibraryFn != nil {
		return f.updateLibraryFn(ctx, id, patch, editedBy)
	}
	return store.Library{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteLibrary(ctx context.Context, id string) (store.DeletedTree, error) {
	if f.deleteLibraryFn != nil {
		return f.deleteLibraryFn(ctx, id)
	}
	return store.DeletedTree{}, sql.ErrNoRows
}

func (f *fakeStore) LibraryAudience(ctx context.Context, id string) (store.Audience, error) {
	if f.audienceFn != nil {
		return f.audienceFn(ctx, id)
	}
	return store.Audience{}, sql.ErrNoRows
}

func (f *fakeStore) InsertContentItem(ctx context.Context, item store.ContentItem) (store.ContentItem, error) {
	if f.insertContentFn != nil {
		return f.insertContentFn(ctx, item)
	}
	return store.ContentItem{}, sql.ErrNoRows
}

func (f *fakeStore) GetContentItem(ctx context.Context, id string) (store.ContentItem, error) {
	if f.getContentFn != nil {
		return f.getContentFn(ctx, id)
	}
	return store.ContentItem{}, sql.ErrNoRows
}

func (f *fakeStore) ListContentItems(ctx context.Context, libraryID string) ([]store.ContentItem, error) {
	if f.listContentFn != nil {
		return f.listContentFn(ctx, libraryID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateContentItem(ctx context.Context, id string, patch store.ContentPatch) (store.ContentChange, error) {
	if f.updateContentFn != nil {
		return f.updateContentFn(ctx, id, patch)
	}
	return store.ContentChange{}, sql.ErrNoRows
}

func (f *fakeStore) ApplyContentEdit(ctx context.Context, edit store.ContentEdit) (store.ContentChange, store.Library, error) {
	if f.applyEditFn != nil {
		return f.applyEditFn(ctx, edit)
	}
	return store.ContentChange{}, store.Library{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteContentItem(ctx context.Context, id string) (store.ContentItem, error) {
	if f.deleteContentFn != nil {
		return f.deleteContentFn(ctx, id)
	}
	return store.ContentItem{}, sql.ErrNoRows
}

func (f *fakeStore) AddTag(ctx context.Context, libraryID, name string, color *string) (store.Tag, error) {
	if f.addTagFn != nil {
		return f.addTagFn(ctx, libraryID, name, color)
	}
	return store.Tag{}, sql.ErrNoRows
}

func (f *fakeStore) ListTags(ctx context.Context, libraryID string) ([]store.Tag, error) {
	if f.listTagsFn != nil {
		return f.listTagsFn(ctx, libraryID)
	}
	return []store.Tag{}, nil
}

func (f *fakeStore) UpsertCollaborator(ctx context.Context, libraryID, userID, permission string) (store.Collaborator, error) {
	if f.upsertCollabFn != nil {
		return f.upsertCollabFn(ctx, libraryID, userID, permission)
	}
	return store.Collaborator{}, sql.ErrNoRows
}

func (f *fakeStore) ListCollaborators(ctx context.Context, libraryID string) ([]store.Collaborator, error) {
	if f.listCollaboratorsFn != nil {
		return f.listCollaboratorsFn(ctx, libraryID)
	}
	return []store.Collaborator{}, nil
}

type fakeStreaks struct {
	mu       sync.Mutex
	recorded map[string]int
	resetFn  func(context.Context) (int64, error)
}

func (f *fakeStreaks) RecordWords(_ context.Context, userID string, words int) (store.UserStreak, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if words <= 0 {
		return store.UserStreak{}, streak.ErrInvalidWordCount
	}
	if f.recorded == nil {
		f.recorded = map[string]int{}
	}
	f.recorded[userID] += words
	return store.UserStreak{UserID: userID, CurrentStreak: 1, LongestStreak: 1}, nil
}

func (f *fakeStreaks) words(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded[userID]
}

func (f *fakeStreaks) ResetStale(ctx context.Context) (int64, error) {
	if f.resetFn != nil {
		return f.resetFn(ctx)
	}
	return 0, nil
}

func (f *fakeStreaks) Snapshot(_ context.Context, userID string) (store.UserStreak, error) {
	return store.UserStreak{UserID: userID}, nil
}

func (f *fakeStreaks) Stats(_ context.Context, userID string, _ int) (streak.Stats, error) {
	return streak.Stats{Streak: store.UserStreak{UserID: userID}}, nil
}

type fakeSearch struct {
	mu             sync.Mutex
	indexedLibs    []string
	indexedEntries []string
	removedLibs    []string
	removedEntries []string
	lastQuery      search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "fake"}
}

func (f *fakeSearch) IndexLibrary(lib store.Library) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedLibs = append(f.indexedLibs, lib.ID)
}

func (f *fakeSearch) IndexEntry(item store.ContentItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedEntries = append(f.indexedEntries, item.ID)
}

func (f *fakeSearch) Remove(libraryIDs, contentIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedLibs = append(f.removedLibs, libraryIDs...)
	f.removedEntries = append(f.removedEntries, contentIDs...)
}

type fakeRevisions struct {
	recorded []string
	removed  []string
	history  map[string][]revision.Revision
}

func (f *fakeRevisions) Record(contentID string, _ revision.Snapshot, _, message string) (revision.Revision, error) {
	f.recorded = append(f.recorded, contentID)
	return revision.Revision{Hash: "abc1234", Message: message}, nil
}

func (f *fakeRevisions) History(contentID string, _ int) ([]revision.Revision, error) {
	return f.history[contentID], nil
}

func (f *fakeRevisions) At(contentID, hash string) (revision.Snapshot, revision.Revision, error) {
	for _, rev := range f.history[contentID] {
		if rev.Hash == hash {
			return revision.Snapshot{Title: "snap"}, rev, nil
		}
	}
	return revision.Snapshot{}, revision.Revision{}, revision.ErrNoHistory
}

func (f *fakeRevisions) Remove(contentIDs ...string) error {
	f.removed = append(f.removed, contentIDs...)
	return nil
}

type fakeExporter struct {
	journal export.Journal
	err     error
}

func (f *fakeExporter) Export(_ context.Context, j export.Journal, format export.Format) (*export.Result, error) {
	f.journal = j
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{Data: []byte("<html></html>"), Filename: "journal.html", MimeType: "text/html; charset=utf-8"}, nil
}

type fakeMailer struct {
	sent chan string
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendWelcomeEmail(to, _ string) error {
	f.sent <- to
	return nil
}

type fixture struct {
	store     *fakeStore
	streaks   *fakeStreaks
	search    *fakeSearch
	revisions *fakeRevisions
	exporter  *fakeExporter
	mailer    *fakeMailer
	service   *Service
}

func newFixture(cfg config.Config) *fixture {
	f := &fixture{
		store:     &fakeStore{},
		streaks:   &fakeStreaks{},
		search:    &fakeSearch{},
		revisions: &fakeRevisions{history: map[string][]revision.Revision{}},
		exporter:  &fakeExporter{},
		mailer:    &fakeMailer{sent: make(chan string, 1)},
	}
	f.service = newService(cfg, f.store, Dependencies{
		Streaks:   f.streaks,
		Search:    f.search,
		Revisions: f.revisions,
		Exporter:  f.exporter,
		Mailer:    f.mailer,
	}, zap.NewNop())
	return f
}

// withLibraries installs a tiny access table keyed by library id. Rows with a
// collaborator map resolve the caller's grant from it.
type libraryRow struct {
	lib           store.Library
	collaborators map[string]string
}

func (f *fixture) withLibraries(rows ...libraryRow) {
	byID := map[string]libraryRow{}
	for _, row := range rows {
		byID[row.lib.ID] = row
	}
	f.store.getAccessFn = func(_ context.Context, libraryID, userID string) (store.LibraryAccess, error) {
		row, ok := byID[libraryID]
		if !ok {
			return store.LibraryAccess{}, sql.ErrNoRows
		}
		return store.LibraryAccess{Library: row.lib, CollaboratorPermission: row.collaborators[userID]}, nil
	}
}
