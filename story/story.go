package story

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"confide/access"
	"confide/analytics"
	"confide/apperr"
	"confide/auth"
	"confide/cache"
	"confide/models"
	"confide/persona"
)

// StoryModule manages a story over its whole life: creation with persona
// attribution, owner-only mutation, hard deletion. Whether a story can be
// read is never decided here - that is the access package; these routes sit
// behind CanManage so owners always reach scheduled and expired stories.
type StoryModule struct {
	db        *gorm.DB
	personas  *persona.Store
	analytics *analytics.AnalyticsModule
}

func NewStoryModule(db *gorm.DB, personas *persona.Store, analyticsModule *analytics.AnalyticsModule) *StoryModule {
	return &StoryModule{
		db:        db,
		personas:  personas,
		analytics: analyticsModule,
	}
}

func (s *StoryModule) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	group := router.Group("/stories")
	group.Use(middleware...)
	{
		group.POST("", s.create)
		group.GET("", s.list)
		group.GET("/:id", s.get)
		group.PUT("/:id", s.update)
		group.DELETE("/:id", s.delete)
	}
}

type storyRequest struct {
	Title              *string    `json:"title"`
	Body               *string    `json:"body"`
	Tags               *string    `json:"tags"`
	ContentWarnings    *string    `json:"content_warnings"`
	Visibility         *string    `json:"visibility"`
	AudienceAccountIDs *[]int     `json:"audience_account_ids"`
	SearchIndexable    *bool      `json:"search_indexable"`
	PublishAt          *time.Time `json:"publish_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	PersonaID          *string    `json:"persona_id"`
}

func (s *StoryModule) create(c *gin.Context) {
	viewer := auth.Viewer(c)

	var request storyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	title := ""
	if request.Title != nil {
		title = strings.TrimSpace(*request.Title)
	}
	body := ""
	if request.Body != nil {
		body = *request.Body
	}
	if title == "" || body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and body are required"})
		return
	}

	visibility := ""
	if request.Visibility != nil {
		visibility = *request.Visibility
	}
	visibility, err := access.ParseVisibility(visibility)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	attributed, err := s.resolvePersona(viewer, request.PersonaID)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	now := time.Now()
	if request.ExpiresAt != nil && !request.ExpiresAt.After(now) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be after creation time"})
		return
	}

	story := models.Story{
		ID:         uuid.NewString(),
		AccountID:  viewer.AccountID,
		PersonaID:  attributed.ID,
		Title:      title,
		Body:       body,
		Visibility: visibility,
		PublishAt:  request.PublishAt,
		ExpiresAt:  request.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if request.ContentWarnings != nil {
		story.ContentWarnings = strings.TrimSpace(*request.ContentWarnings)
	}
	applyAudience(&story, request.AudienceAccountIDs)
	applySearchIndexable(&story, request.SearchIndexable)

	if err := s.db.Create(&story).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create story"})
		return
	}

	if request.Tags != nil {
		if err := s.processStoryTags(story.ID, *request.Tags); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process tags"})
			return
		}
	}

	c.JSON(http.StatusCreated, s.storyResponse(&story, time.Now()))
}

func (s *StoryModule) list(c *gin.Context) {
	viewer := auth.Viewer(c)

	var stories []models.Story
	if err := s.db.Where("account_id = ?", viewer.AccountID).Order("created_at DESC").Find(&stories).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stories"})
		return
	}

	now := time.Now()
	out := make([]gin.H, 0, len(stories))
	for i := range stories {
		out = append(out, s.storyResponse(&stories[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"stories": out})
}

// get is the owner's preview: it ignores the temporal gate on purpose, so
// drafts and expired stories stay reachable from the dashboard.
func (s *StoryModule) get(c *gin.Context) {
	viewer := auth.Viewer(c)

	story, err := s.loadOwned(c.Param("id"), viewer)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	response := s.storyResponse(story, time.Now())
	response["read_count"] = s.analytics.StoryReadCount(story.ID)
	c.JSON(http.StatusOK, response)
}

func (s *StoryModule) update(c *gin.Context) {
	viewer := auth.Viewer(c)

	story, err := s.loadOwned(c.Param("id"), viewer)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	var request storyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if request.Title != nil {
		title := strings.TrimSpace(*request.Title)
		if title == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title must not be empty"})
			return
		}
		story.Title = title
	}
	if request.Body != nil {
		if *request.Body == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must not be empty"})
			return
		}
		story.Body = *request.Body
	}
	if request.ContentWarnings != nil {
		story.ContentWarnings = strings.TrimSpace(*request.ContentWarnings)
	}
	if request.Visibility != nil {
		visibility, err := access.ParseVisibility(*request.Visibility)
		if err != nil {
			c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
			return
		}
		story.Visibility = visibility
	}
	if request.PersonaID != nil {
		attributed, err := s.personas.GetOwned(*request.PersonaID, viewer.AccountID)
		if err != nil {
			c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
			return
		}
		story.PersonaID = attributed.ID
	}
	if request.PublishAt != nil {
		story.PublishAt = request.PublishAt
	}
	if request.ExpiresAt != nil {
		if !request.ExpiresAt.After(story.CreatedAt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be after creation time"})
			return
		}
		story.ExpiresAt = request.ExpiresAt
	}
	applyAudience(story, request.AudienceAccountIDs)
	applySearchIndexable(story, request.SearchIndexable)
	story.UpdatedAt = time.Now()

	// Whole-record save of the freshly read row: concurrent updates are
	// last-writer-wins, never a merge of two partial patches.
	if err := s.db.Save(story).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update story"})
		return
	}

	if request.Tags != nil {
		if err := s.processStoryTags(story.ID, *request.Tags); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process tags"})
			return
		}
	}

	cache.ClearStoryCache(story.ID)

	c.JSON(http.StatusOK, s.storyResponse(story, time.Now()))
}

func (s *StoryModule) delete(c *gin.Context) {
	viewer := auth.Viewer(c)

	story, err := s.loadOwned(c.Param("id"), viewer)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	if err := s.db.Where("story_id = ?", story.ID).Delete(&models.Comment{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete story"})
		return
	}
	if err := s.db.Where("story_id = ?", story.ID).Delete(&models.StoryTag{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete story"})
		return
	}
	if err := s.db.Delete(story).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete story"})
		return
	}

	cache.ClearStoryCache(story.ID)

	c.JSON(http.StatusOK, gin.H{"message": "story deleted"})
}

func (s *StoryModule) loadOwned(storyID string, viewer access.Viewer) (*models.Story, error) {
	var story models.Story
	if err := s.db.Where("id = ?", storyID).First(&story).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NotFound("story")
		}
		return nil, err
	}
	if !access.CanManage(viewer, &story) {
		return nil, apperr.Forbidden("story belongs to another account")
	}
	return &story, nil
}

// resolvePersona validates an explicit persona id against the acting account,
// or falls back to the default persona, auto-provisioning it on first use.
func (s *StoryModule) resolvePersona(viewer access.Viewer, personaID *string) (*models.Persona, error) {
	if personaID != nil && *personaID != "" {
		return s.personas.GetOwned(*personaID, viewer.AccountID)
	}

	var account models.Account
	if err := s.db.First(&account, viewer.AccountID).Error; err != nil {
		return nil, err
	}
	fallbackName := account.DisplayName
	if fallbackName == "" {
		fallbackName = strings.SplitN(account.Email, "@", 2)[0]
	}
	return s.personas.EnsureDefaultPersona(viewer.AccountID, fallbackName, uuid.NewString())
}

func applyAudience(story *models.Story, ids *[]int) {
	if ids != nil {
		story.SetAudienceList(*ids)
	}
	// The audience list is only meaningful for the restricted modes.
	switch story.Visibility {
	case models.VisibilityTrustedCircle, models.VisibilitySelectedUsers:
	default:
		story.AudienceIDs = ""
	}
}

func applySearchIndexable(story *models.Story, requested *bool) {
	if requested != nil {
		story.SearchIndexable = *requested
	}
	if story.Visibility != models.VisibilityAnonymousPublic {
		story.SearchIndexable = false
	}
}

func (s *StoryModule) storyResponse(story *models.Story, now time.Time) gin.H {
	return gin.H{
		"id":                   story.ID,
		"persona_id":           story.PersonaID,
		"title":                story.Title,
		"body":                 story.Body,
		"tags":                 s.getStoryTags(story.ID),
		"content_warnings":     story.ContentWarnings,
		"visibility":           story.Visibility,
		"audience_account_ids": story.AudienceList(),
		"search_indexable":     access.EffectiveSearchIndexable(story),
		"publish_at":           story.PublishAt,
		"expires_at":           story.ExpiresAt,
		"state":                access.State(story.PublishAt, story.ExpiresAt, now),
		"created_at":           story.CreatedAt,
		"updated_at":           story.UpdatedAt,
	}
}

func (s *StoryModule) getStoryTags(storyID string) string {
	var storyTags []models.StoryTag
	if err := s.db.Where("story_id = ?", storyID).Find(&storyTags).Error; err != nil {
		return ""
	}
	if len(storyTags) == 0 {
		return ""
	}

	var tagIDs []int
	for _, st := range storyTags {
		tagIDs = append(tagIDs, st.TagID)
	}

	var tags []models.Tag
	if err := s.db.Where("id IN ?", tagIDs).Find(&tags).Error; err != nil {
		return ""
	}

	var tagTitles []string
	for _, tag := range tags {
		tagTitles = append(tagTitles, tag.Title)
	}

	return strings.Join(tagTitles, ", ")
}

func (s *StoryModule) processStoryTags(storyID string, tagsString string) error {
	result := s.db.Where("story_id = ?", storyID).Delete(&models.StoryTag{})
	if result.Error != nil {
		return result.Error
	}

	if tagsString == "" {
		return nil
	}

	tagNames := strings.Split(tagsString, ",")
	for _, tagName := range tagNames {
		tagName = strings.TrimSpace(tagName)
		if tagName == "" {
			continue
		}

		var tag models.Tag
		err := s.db.Where("title = ?", tagName).First(&tag).Error
		if err == gorm.ErrRecordNotFound {
			tag = models.Tag{Title: tagName}
			if err := s.db.Create(&tag).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var existing models.StoryTag
		err = s.db.Where("story_id = ? AND tag_id = ?", storyID, tag.ID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			storyTag := models.StoryTag{
				StoryID: storyID,
				TagID:   int(tag.ID),
			}
			if err := s.db.Create(&storyTag).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	return nil
}
