package app

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"reflectai/api/internal/auth"
	"reflectai/api/internal/config"
	"reflectai/api/internal/export"
	"reflectai/api/internal/rbac"
	"reflectai/api/internal/revision"
	"reflectai/api/internal/search"
	"reflectai/api/internal/store"
	"reflectai/api/internal/streak"
)

type dataStore interface {
	Ping(context.Context) error
	UpsertUserByEmail(context.Context, string, string, string) (store.User, bool, error)
	GetUserByID(context.Context, string) (store.User, error)

	InsertLibrary(context.Context, store.Library) (store.Library, error)
	GetLibraryAccess(context.Context, string, string) (store.LibraryAccess, error)
	ListLibrariesForUser(context.Context, string) ([]store.LibraryAccess, error)
	ListChildren(context.Context, string, string) ([]store.LibraryAccess, error)
	ListAncestors(context.Context, string) ([]store.Library, error)
	ListAccessibleLibraryIDs(context.Context, string) ([]string, error)
	UpdateLibrary(context.Context, string, store.LibraryPatch, string) (store.Library, error)
	DeleteLibrary(context.Context, string) (store.DeletedTree, error)
	LibraryAudience(context.Context, string) (store.Audience, error)

	InsertContentItem(context.Context, store.ContentItem) (store.ContentItem, error)
	GetContentItem(context.Context, string) (store.ContentItem, error)
	ListContentItems(context.Context, string) ([]store.ContentItem, error)
	UpdateContentItem(context.Context, string, store.ContentPatch) (store.ContentChange, error)
	ApplyContentEdit(context.Context, store.ContentEdit) (store.ContentChange, store.Library, error)
	DeleteContentItem(context.Context, string) (store.ContentItem, error)

	AddTag(context.Context, string, string, *string) (store.Tag, error)
	ListTags(context.Context, string) ([]store.Tag, error)
	UpsertCollaborator(context.Context, string, string, string) (store.Collaborator, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
}

type streakService interface {
	RecordWords(context.Context, string, int) (store.UserStreak, error)
	ResetStale(context.Context) (int64, error)
	Snapshot(context.Context, string) (store.UserStreak, error)
	Stats(context.Context, string, int) (streak.Stats, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexLibrary(store.Library)
	IndexEntry(store.ContentItem)
	Remove([]string, []string)
}

type revisionService interface {
	Record(string, revision.Snapshot, string, string) (revision.Revision, error)
	History(string, int) ([]revision.Revision, error)
	At(string, string) (revision.Snapshot, revision.Revision, error)
	Remove(...string) error
}

type exportService interface {
	Export(context.Context, export.Journal, export.Format) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(to, name string) error
}

// Dependencies are the collaborators wired around the store. Any of them may
// be nil, which disables the matching feature.
type Dependencies struct {
	Streaks   streakService
	Search    searchService
	Revisions revisionService
	Exporter  exportService
	Mailer    mailer
}

type Service struct {
	cfg       config.Config
	store     dataStore
	streaks   streakService
	search    searchService
	revisions revisionService
	exporter  exportService
	mailer    mailer
	now       func() time.Time
	log       *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Dependencies, log *zap.Logger) *Service {
	return newService(cfg, dataStore, deps, log)
}

func newService(cfg config.Config, st dataStore, deps Dependencies, log *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		streaks:   deps.Streaks,
		search:    deps.Search,
		revisions: deps.Revisions,
		exporter:  deps.Exporter,
		mailer:    deps.Mailer,
		now:       time.Now,
		log:       log.Named("app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type Session struct {
	UserID string
	Email  string
	Name   string
}

// SessionFromToken verifies the bearer token and loads its user. A token for
// a user that no longer exists is treated as invalid.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Auth.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	return Session{UserID: user.ID, Email: user.Email, Name: user.Name}, nil
}

// UserIDFromToken authenticates realtime handshakes.
func (s *Service) UserIDFromToken(ctx context.Context, token string) (string, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

type SignInInput struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	ClerkID string `json:"clerkId"`
}

type AuthResult struct {
	Token   string     `json:"token"`
	User    store.User `json:"user"`
	Created bool       `json:"-"`
}

// SignIn registers the user on first contact and logs them in afterwards.
// Identity is owned by the external auth provider; only the email is trusted
// as the key.
func (s *Service) SignIn(ctx context.Context, input SignInInput) (AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return AuthResult{}, invalidInput("Email is required", map[string]string{"field": "email"})
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return AuthResult{}, invalidInput("Email is invalid", map[string]string{"field": "email"})
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	user, created, err := s.store.UpsertUserByEmail(ctx, name, email, strings.TrimSpace(input.ClerkID))
	if err != nil {
		return AuthResult{}, err
	}

	token, err := auth.IssueToken([]byte(s.cfg.Auth.JWTSecret), auth.NewClaims(user.ID, user.Email, s.cfg.Auth.AccessTTL, s.now()))
	if err != nil {
		return AuthResult{}, err
	}

	if created && s.mailer != nil && s.mailer.IsConfigured() {
		go func(to, name string) {
			if err := s.mailer.SendWelcomeEmail(to, name); err != nil {
				s.log.Warn("welcome email failed", zap.String("user_id", user.ID), zap.Error(err))
			}
		}(user.Email, user.Name)
	}
	return AuthResult{Token: token, User: user, Created: created}, nil
}

func grantFor(access store.LibraryAccess) rbac.Grant {
	collaborator, _ := rbac.ParseTier(access.CollaboratorPermission)
	return rbac.Grant{
		Found:            true,
		OwnerID:          access.CreatedBy,
		IsPublic:         access.IsPublic,
		CollaboratorTier: collaborator,
	}
}

// authorize resolves the caller's tier on a library. Libraries the caller
// cannot see are reported as missing, not forbidden.
func (s *Service) authorize(ctx context.Context, libraryID, userID string, action rbac.Action) (store.LibraryAccess, rbac.Tier, error) {
	access, err := s.store.GetLibraryAccess(ctx, libraryID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.LibraryAccess{}, rbac.TierNone, notFound("Library not found")
		}
		return store.LibraryAccess{}, rbac.TierNone, err
	}
	tier := rbac.Resolve(grantFor(access), userID)
	if !rbac.Visible(tier) {
		return store.LibraryAccess{}, rbac.TierNone, notFound("Library not found")
	}
	if !rbac.Can(tier, action) {
		return store.LibraryAccess{}, tier, forbidden("Insufficient permission on library")
	}
	return access, tier, nil
}

// Streak returns the caller's current streak.
func (s *Service) Streak(ctx context.Context, userID string) (store.UserStreak, error) {
	if s.streaks == nil {
		return store.UserStreak{UserID: userID}, nil
	}
	return s.streaks.Snapshot(ctx, userID)
}

func (s *Service) Stats(ctx context.Context, userID string, days int) (streak.Stats, error) {
	if s.streaks == nil {
		return streak.Stats{}, notFound("Statistics are not available")
	}
	return s.streaks.Stats(ctx, userID, days)
}

// RecordWords credits words written outside of entry saves, for example
// from an offline client.
func (s *Service) RecordWords(ctx context.Context, userID string, words int) (store.UserStreak, error) {
	if s.streaks == nil {
		return store.UserStreak{}, notFound("Streaks are not available")
	}
	updated, err := s.streaks.RecordWords(ctx, userID, words)
	if errors.Is(err, streak.ErrInvalidWordCount) {
		return store.UserStreak{}, invalidInput("wordCount must be a positive integer", map[string]string{"field": "wordCount"})
	}
	return updated, err
}

// ResetStreaks runs the daily decay on demand. The caller must present the
// configured admin token; an unset token disables the operation.
func (s *Service) ResetStreaks(ctx context.Context, adminToken string) (int64, error) {
	expected := s.cfg.Auth.AdminToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(adminToken)) != 1 {
		return 0, unauthorized()
	}
	if s.streaks == nil {
		return 0, nil
	}
	return s.streaks.ResetStale(ctx)
}

// Search runs a full-text query over libraries the caller owns or
// collaborates on.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	switch q.FilterType {
	case "", search.ResultLibrary, search.ResultEntry:
	default:
		return search.Response{}, invalidInput("type must be library or entry", map[string]string{"field": "type"})
	}
	ids, err := s.store.ListAccessibleLibraryIDs(ctx, userID)
	if err != nil {
		return search.Response{}, err
	}
	q.LibraryIDs = ids
	return s.search.Search(ctx, q), nil
}
