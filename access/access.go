package access

import (
	"time"

	"confide/apperr"
	"confide/models"
)

// Viewer is the resolved identity for the current request. The zero value is
// an anonymous viewer. Decision functions take it explicitly so they stay
// pure; nothing in this package reads session state or the system clock.
type Viewer struct {
	AccountID     int
	Authenticated bool
}

func Anonymous() Viewer {
	return Viewer{}
}

func Authenticated(accountID int) Viewer {
	return Viewer{AccountID: accountID, Authenticated: true}
}

// ParseVisibility validates a visibility value, defaulting empty to private.
func ParseVisibility(v string) (string, error) {
	switch v {
	case "":
		return models.VisibilityPrivate, nil
	case models.VisibilityPrivate, models.VisibilityTrustedCircle,
		models.VisibilitySelectedUsers, models.VisibilityAnonymousPublic:
		return v, nil
	default:
		return "", apperr.Validation("invalid visibility %q", v)
	}
}

// IsLive reports whether a story is currently readable as published content.
// Expiry is inclusive: a story whose expires_at equals now is already dead.
func IsLive(publishAt, expiresAt *time.Time, now time.Time) bool {
	if publishAt != nil && now.Before(*publishAt) {
		return false
	}
	if expiresAt != nil && !now.Before(*expiresAt) {
		return false
	}
	return true
}

// Story publication states. Always derived from the timestamps, never stored,
// so a story cannot drift out of sync with wall-clock truth.
const (
	StateScheduled = "scheduled"
	StateLive      = "live"
	StateExpired   = "expired"
)

func State(publishAt, expiresAt *time.Time, now time.Time) string {
	if publishAt != nil && now.Before(*publishAt) {
		return StateScheduled
	}
	if expiresAt != nil && !now.Before(*expiresAt) {
		return StateExpired
	}
	return StateLive
}

// CanView decides whether viewer may read story as published content.
// Evaluated in order, first match wins. A story outside its temporal window
// is invisible to everyone here, including its owner; the owner's dashboard
// goes through CanManage instead.
func CanView(viewer Viewer, story *models.Story, now time.Time) bool {
	if !IsLive(story.PublishAt, story.ExpiresAt, now) {
		return false
	}
	if viewer.Authenticated && viewer.AccountID == story.AccountID {
		return true
	}
	switch story.Visibility {
	case models.VisibilityAnonymousPublic:
		return true
	case models.VisibilitySelectedUsers, models.VisibilityTrustedCircle:
		if !viewer.Authenticated {
			return false
		}
		for _, id := range story.AudienceList() {
			if id == viewer.AccountID {
				return true
			}
		}
	}
	return false
}

// CanManage decides whether viewer may edit, delete or preview story. Only
// ownership counts; the temporal gate is ignored so owners always reach
// their scheduled and expired stories.
func CanManage(viewer Viewer, story *models.Story) bool {
	return viewer.Authenticated && viewer.AccountID == story.AccountID
}

// EffectiveSearchIndexable forces the indexable flag off for anything that is
// not anonymously public, regardless of what was stored.
func EffectiveSearchIndexable(story *models.Story) bool {
	return story.SearchIndexable && story.Visibility == models.VisibilityAnonymousPublic
}
