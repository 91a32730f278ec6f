package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"reflectai/api/internal/rbac"
	"reflectai/api/internal/store"
)

const maxTitleLength = 200

// LibraryView is a library together with the caller's effective tier.
type LibraryView struct {
	store.Library
	IsOwner      bool      `json:"isOwner"`
	Permission   rbac.Tier `json:"permission"`
	ContentCount int       `json:"contentCount"`
}

type LibraryDetail struct {
	LibraryView
	Tags          []store.Tag          `json:"tags"`
	Children      []LibraryView        `json:"children"`
	Collaborators []store.Collaborator `json:"collaborators,omitempty"`
}

func viewOf(access store.LibraryAccess, userID string) LibraryView {
	tier := rbac.Resolve(grantFor(access), userID)
	return LibraryView{
		Library:      access.Library,
		IsOwner:      tier == rbac.TierOwner,
		Permission:   tier,
		ContentCount: access.ContentCount,
	}
}

type CreateLibraryInput struct {
	Title        string          `json:"title"`
	Description  *string         `json:"description"`
	Icon         *string         `json:"icon"`
	Color        *string         `json:"color"`
	ParentID     *string         `json:"parentId"`
	IsPublic     bool            `json:"isPublic"`
	DisplayOrder int             `json:"displayOrder"`
	AIGenerated  bool            `json:"aiGenerated"`
	AIPrompt     *string         `json:"aiPrompt"`
	AISettings   json.RawMessage `json:"aiSettings"`
}

// UpdateLibraryInput is a merge-patch: absent or null fields are left alone.
// Clear lists nullable fields to reset.
type UpdateLibraryInput struct {
	Title        *string         `json:"title"`
	Description  *string         `json:"description"`
	Icon         *string         `json:"icon"`
	Color        *string         `json:"color"`
	ParentID     *string         `json:"parentId"`
	IsPublic     *bool           `json:"isPublic"`
	DisplayOrder *int            `json:"displayOrder"`
	AIGenerated  *bool           `json:"aiGenerated"`
	AIPrompt     *string         `json:"aiPrompt"`
	AISettings   json.RawMessage `json:"aiSettings"`
	Clear        []string        `json:"clear"`
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalidInput("Title is required", map[string]string{"field": "title"})
	}
	if len([]rune(title)) > maxTitleLength {
		return "", invalidInput("Title is too long", map[string]any{"field": "title", "max": maxTitleLength})
	}
	return title, nil
}

// nullJSON treats a literal JSON null as absent.
func nullJSON(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}

// checkParent ensures the caller may place a library under parentID.
func (s *Service) checkParent(ctx context.Context, parentID, userID string) error {
	_, _, err := s.authorize(ctx, parentID, userID, rbac.ActionWrite)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code == "NOT_FOUND" {
		return invalidReference("Parent library does not exist", map[string]string{"field": "parentId"})
	}
	return err
}

func (s *Service) CreateLibrary(ctx context.Context, userID string, input CreateLibraryInput) (LibraryView, error) {
	title, err := validateTitle(input.Title)
	if err != nil {
		return LibraryView{}, err
	}
	if input.ParentID != nil {
		if err := s.checkParent(ctx, *input.ParentID, userID); err != nil {
			return LibraryView{}, err
		}
	}

	created, err := s.store.InsertLibrary(ctx, store.Library{
		Title:        title,
		Description:  input.Description,
		Icon:         input.Icon,
		Color:        input.Color,
		CreatedBy:    userID,
		ParentID:     input.ParentID,
		IsPublic:     input.IsPublic,
		DisplayOrder: input.DisplayOrder,
		AIGenerated:  input.AIGenerated,
		AIPrompt:     input.AIPrompt,
		AISettings:   nullJSON(input.AISettings),
	})
	if err != nil {
		return LibraryView{}, err
	}
	if s.search != nil {
		s.search.IndexLibrary(created)
	}
	return LibraryView{Library: created, IsOwner: true, Permission: rbac.TierOwner}, nil
}

func (s *Service) ListLibraries(ctx context.Context, userID string) ([]LibraryView, error) {
	items, err := s.store.ListLibrariesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]LibraryView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item, userID))
	}
	return views, nil
}

// GetLibrary returns the library with its tags and visible children.
// Collaborators are included for the owner only.
func (s *Service) GetLibrary(ctx context.Context, libraryID, userID string) (LibraryDetail, error) {
	access, tier, err := s.authorize(ctx, libraryID, userID, rbac.ActionRead)
	if err != nil {
		return LibraryDetail{}, err
	}
	tags, err := s.store.ListTags(ctx, libraryID)
	if err != nil {
		return LibraryDetail{}, err
	}
	children, err := s.ListChildren(ctx, libraryID, userID)
	if err != nil {
		return LibraryDetail{}, err
	}
	detail := LibraryDetail{
		LibraryView: LibraryView{Library: access.Library, IsOwner: tier == rbac.TierOwner, Permission: tier, ContentCount: access.ContentCount},
		Tags:        tags,
		Children:    children,
	}
	if rbac.Can(tier, rbac.ActionManage) {
		collaborators, err := s.store.ListCollaborators(ctx, libraryID)
		if err != nil {
			return LibraryDetail{}, err
		}
		detail.Collaborators = collaborators
	}
	return detail, nil
}

func (s *Service) ListChildren(ctx context.Context, parentID, userID string) ([]LibraryView, error) {
	if _, _, err := s.authorize(ctx, parentID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListChildren(ctx, parentID, userID)
	if err != nil {
		return nil, err
	}
	views := make([]LibraryView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item, userID))
	}
	return views, nil
}

// ListAncestors returns the path from the root down to the library's parent,
// skipping nodes the caller cannot see.
func (s *Service) ListAncestors(ctx context.Context, libraryID, userID string) ([]store.Library, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	path, err := s.store.ListAncestors(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	visible := make([]store.Library, 0, len(path))
	for _, lib := range path {
		access, err := s.store.GetLibraryAccess(ctx, lib.ID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rbac.Visible(rbac.Resolve(grantFor(access), userID)) {
			visible = append(visible, lib)
		}
	}
	return visible, nil
}

func (s *Service) UpdateLibrary(ctx context.Context, libraryID, userID string, input UpdateLibraryInput) (LibraryView, error) {
	access, tier, err := s.authorize(ctx, libraryID, userID, rbac.ActionWrite)
	if err != nil {
		return LibraryView{}, err
	}

	patch := store.LibraryPatch{
		Description:  input.Description,
		Icon:         input.Icon,
		Color:        input.Color,
		ParentID:     input.ParentID,
		IsPublic:     input.IsPublic,
		DisplayOrder: input.DisplayOrder,
		AIGenerated:  input.AIGenerated,
		AIPrompt:     input.AIPrompt,
		AISettings:   nullJSON(input.AISettings),
	}
	if input.Title != nil {
		title, err := validateTitle(*input.Title)
		if err != nil {
			return LibraryView{}, err
		}
		patch.Title = &title
	}

	supplied := map[string]bool{
		store.FieldDescription: patch.Description != nil,
		store.FieldIcon:        patch.Icon != nil,
		store.FieldColor:       patch.Color != nil,
		store.FieldParentID:    patch.ParentID != nil,
		store.FieldAIPrompt:    patch.AIPrompt != nil,
		store.FieldAISettings:  patch.AISettings != nil,
	}
	seen := map[string]bool{}
	for _, field := range input.Clear {
		if !store.ClearableLibraryField(field) {
			return LibraryView{}, invalidInput("Field cannot be cleared", map[string]string{"field": field})
		}
		if supplied[field] {
			return LibraryView{}, invalidInput("Field is both set and cleared", map[string]string{"field": field})
		}
		if !seen[field] {
			seen[field] = true
			patch.Clear = append(patch.Clear, field)
		}
	}

	if patch.ParentID != nil {
		if *patch.ParentID == libraryID {
			return LibraryView{}, cycleDetected("A library cannot be its own parent")
		}
		if access.ParentID == nil || *access.ParentID != *patch.ParentID {
			if err := s.checkParent(ctx, *patch.ParentID, userID); err != nil {
				return LibraryView{}, err
			}
		}
	}

	updated, err := s.store.UpdateLibrary(ctx, libraryID, patch, userID)
	if err != nil {
		if errors.Is(err, store.ErrCycle) {
			return LibraryView{}, cycleDetected("A library cannot be moved beneath its own descendant")
		}
		if errors.Is(err, sql.ErrNoRows) {
			return LibraryView{}, notFound("Library not found")
		}
		return LibraryView{}, err
	}
	if s.search != nil {
		s.search.IndexLibrary(updated)
	}
	return LibraryView{Library: updated, IsOwner: tier == rbac.TierOwner, Permission: tier, ContentCount: access.ContentCount}, nil
}

type DeleteResult struct {
	ID                  string `json:"id"`
	LibrariesDeleted    int    `json:"librariesDeleted"`
	ContentItemsDeleted int    `json:"contentItemsDeleted"`
}

// DeleteLibrary removes the library and everything beneath it. Owner only.
func (s *Service) DeleteLibrary(ctx context.Context, libraryID, userID string) (DeleteResult, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionManage); err != nil {
		return DeleteResult{}, err
	}
	tree, err := s.store.DeleteLibrary(ctx, libraryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeleteResult{}, notFound("Library not found")
		}
		return DeleteResult{}, err
	}

	if s.search != nil {
		s.search.Remove(tree.LibraryIDs, tree.ContentIDs)
	}
	if s.revisions != nil && len(tree.ContentIDs) > 0 {
		if err := s.revisions.Remove(tree.ContentIDs...); err != nil {
			s.log.Warn("remove revision history", zap.String("library_id", libraryID), zap.Error(err))
		}
	}
	return DeleteResult{ID: libraryID, LibrariesDeleted: len(tree.LibraryIDs), ContentItemsDeleted: len(tree.ContentIDs)}, nil
}

type AddTagInput struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

// AddTag attaches a tag by name and returns the library's tags.
func (s *Service) AddTag(ctx context.Context, libraryID, userID string, input AddTagInput) ([]store.Tag, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalidInput("Tag name is required", map[string]string{"field": "name"})
	}
	if _, err := s.store.AddTag(ctx, libraryID, name, input.Color); err != nil {
		return nil, err
	}
	return s.store.ListTags(ctx, libraryID)
}

func (s *Service) ListTags(ctx context.Context, libraryID, userID string) ([]store.Tag, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTags(ctx, libraryID)
}

type AddCollaboratorInput struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

func (s *Service) AddCollaborator(ctx context.Context, libraryID, userID string, input AddCollaboratorInput) (store.Collaborator, error) {
	access, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionManage)
	if err != nil {
		return store.Collaborator{}, err
	}
	tier, ok := rbac.ParseTier(strings.ToLower(strings.TrimSpace(input.Permission)))
	if !ok {
		return store.Collaborator{}, invalidInput("Permission must be read, write or admin", map[string]string{"field": "permission"})
	}
	target := strings.TrimSpace(input.UserID)
	if target == "" {
		return store.Collaborator{}, invalidInput("userId is required", map[string]string{"field": "userId"})
	}
	if target == access.CreatedBy {
		return store.Collaborator{}, invalidInput("The owner cannot be added as a collaborator", map[string]string{"field": "userId"})
	}
	if _, err := s.store.GetUserByID(ctx, target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Collaborator{}, invalidReference("User does not exist", map[string]string{"field": "userId"})
		}
		return store.Collaborator{}, err
	}
	return s.store.UpsertCollaborator(ctx, libraryID, target, tier.String())
}

func (s *Service) ListCollaborators(ctx context.Context, libraryID, userID string) ([]store.Collaborator, error) {
	if _, _, err := s.authorize(ctx, libraryID, userID, rbac.ActionManage); err != nil {
		return nil, err
	}
	return s.store.ListCollaborators(ctx, libraryID)
}
