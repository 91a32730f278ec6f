package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	ExternalAuthID string    `json:"clerkId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Library is one node of a user's tree. A nil ParentID marks a root.
type Library struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  *string         `json:"description"`
	Icon         *string         `json:"icon"`
	Color        *string         `json:"color"`
	CreatedBy    string          `json:"createdBy"`
	LastEditedBy *string         `json:"lastEditedBy"`
	ParentID     *string         `json:"parentId"`
	IsPublic     bool            `json:"isPublic"`
	DisplayOrder int             `json:"displayOrder"`
	AIGenerated  bool            `json:"aiGenerated"`
	AIPrompt     *string         `json:"aiPrompt"`
	AISettings   json.RawMessage `json:"aiSettings"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LibraryAccess is a library as seen by one user: the raw facts needed to
// resolve their tier. CollaboratorPermission is empty without a grant.
type LibraryAccess struct {
	Library
	CollaboratorPermission string
	ContentCount           int
}

type ContentItem struct {
	ID        string          `json:"id"`
	LibraryID string          `json:"libraryId"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	WordCount int             `json:"wordCount"`
	CreatedBy *string         `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     *string   `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

type Collaborator struct {
	UserID     string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Permission string    `json:"permission"`
	CreatedAt  time.Time `json:"createdAt"`
}

type UserStreak struct {
	UserID          string     `json:"userId"`
	CurrentStreak   int        `json:"currentStreak"`
	LongestStreak   int        `json:"longestStreak"`
	LastEntryDate   *time.Time `json:"lastEntryDate"`
	StreakUpdatedAt time.Time  `json:"streakUpdatedAt"`
}

type DailyWordCount struct {
	UserID    string    `json:"userId"`
	EntryDate time.Time `json:"entryDate"`
	WordCount int       `json:"wordCount"`
}

type WritingTotals struct {
	TotalWords  int `json:"totalWords"`
	DaysWritten int `json:"daysWritten"`
}

// Audience lists who may observe changes to a library.
type Audience struct {
	LibraryID string
	OwnerID   string
	IsPublic  bool
	UserIDs   []string
}

// Allows reports whether userID belongs to the audience.
func (a Audience) Allows(userID string) bool {
	if a.IsPublic || userID == a.OwnerID {
		return true
	}
	for _, id := range a.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

const (
	FieldDescription = "description"
	FieldIcon        = "icon"
	FieldColor       = "color"
	FieldParentID    = "parentId"
	FieldMetadata    = "metadata"
	FieldAIPrompt    = "aiPrompt"
	FieldAISettings  = "aiSettings"
)

// LibraryPatch carries a merge-patch: nil fields are left untouched and
// Clear names nullable fields to reset to NULL.
type LibraryPatch struct {
	Title        *string
	Description  *string
	Icon         *string
	Color        *string
	ParentID     *string
	IsPublic     *bool
	DisplayOrder *int
	AIGenerated  *bool
	AIPrompt     *string
	AISettings   json.RawMessage
	Clear        []string
}

type ContentPatch struct {
	Title     *string
	Content   *string
	Metadata  json.RawMessage
	WordCount *int
	Clear     []string
}

// ContentEdit is a realtime edit: a content patch plus the title mirrored
// onto the owning library.
type ContentEdit struct {
	ContentID string
	Patch     ContentPatch
	EditedBy  string
}

// ContentChange reports an applied content update together with the word
// count it replaced.
type ContentChange struct {
	Item              ContentItem
	PreviousWordCount int
}
