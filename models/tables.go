package models

import (
	"strconv"
	"strings"
	"time"
)

// Account is issued by the auth collaborator. It is never exposed to viewers
// of published content; attribution always goes through a Persona.
type Account struct {
	ID                     int    `gorm:"primary_key;autoIncrement" json:"id"`
	PasswordHash           string `gorm:"not null" json:"-"` // json:"-" prevents password from being exposed in API
	Email                  string `gorm:"unique;not null" json:"email"`
	DisplayName            string `json:"display_name"`
	EmailVerified          bool   `gorm:"default:false" json:"email_verified"`
	EmailVerificationToken string `json:"-"` // token for email verification
}

// Persona is a pseudonymous identity owned by an account. Display names may
// collide across personas and accounts.
type Persona struct {
	ID          string    `gorm:"primary_key" json:"id"`
	AccountID   int       `gorm:"not null;index" json:"-"` // attribution hides the account
	DisplayName string    `gorm:"not null" json:"display_name"`
	AvatarSeed  string    `json:"avatar_seed"`
	IsDefault   bool      `gorm:"default:false;index" json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Story visibility modes.
const (
	VisibilityPrivate         = "private"
	VisibilityTrustedCircle   = "trusted_circle"
	VisibilitySelectedUsers   = "selected_users"
	VisibilityAnonymousPublic = "anonymous_public"
)

type Story struct {
	ID              string     `gorm:"primary_key" json:"id"`
	AccountID       int        `gorm:"not null;index" json:"-"`
	PersonaID       string     `gorm:"not null;index" json:"persona_id"`
	Title           string     `gorm:"not null" json:"title"`
	Body            string     `gorm:"type:text" json:"body"`
	ContentWarnings string     `gorm:"type:text" json:"content_warnings"` // comma separated
	Visibility      string     `gorm:"not null;default:'private'" json:"visibility"`
	AudienceIDs     string     `gorm:"type:text" json:"-"` // comma separated account ids; trusted_circle and selected_users share it
	SearchIndexable bool       `gorm:"default:false" json:"search_indexable"`
	PublishAt       *time.Time `json:"publish_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AudienceList parses AudienceIDs into account ids, dropping blanks and junk.
func (s *Story) AudienceList() []int {
	if s.AudienceIDs == "" {
		return nil
	}
	var ids []int
	for _, part := range strings.Split(s.AudienceIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// SetAudienceList replaces the audience with the given account ids.
func (s *Story) SetAudienceList(ids []int) {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	s.AudienceIDs = strings.Join(parts, ",")
}

type Comment struct {
	ID        string    `gorm:"primary_key" json:"id"`
	StoryID   string    `gorm:"not null;index" json:"story_id"`
	AccountID int       `gorm:"not null;index" json:"-"`
	PersonaID string    `gorm:"not null" json:"persona_id"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Tag struct {
	ID    uint   `gorm:"primary_key" json:"id"`
	Title string `gorm:"not null;index" json:"title"`
}

type StoryTag struct {
	ID      uint   `gorm:"primary_key"`
	StoryID string `gorm:"not null;index" json:"story_id"`
	TagID   int    `gorm:"not null;index" json:"tag_id"`
}
