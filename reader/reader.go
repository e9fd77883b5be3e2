package reader

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
	"gorm.io/gorm"

	"confide/access"
	"confide/analytics"
	"confide/auth"
	"confide/cache"
	"confide/models"
)

// ReaderModule is the public face of a story. Every request runs the
// temporal gate and the access evaluator with the resolved viewer before
// anything is returned; only the rendered markdown is cached, never the
// decision. Attribution is the persona, never the account.
type ReaderModule struct {
	db        *gorm.DB
	analytics *analytics.AnalyticsModule
}

// markdown renderer configured with Goldmark and useful extensions
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,     // tables, strikethrough, task lists, autolinks (GFM set)
		extension.Linkify, // linkify raw URLs
	),
	goldmark.WithRendererOptions(
		htmlrenderer.WithUnsafe(), // allow raw HTML passthrough in Markdown
	),
)

func NewReaderModule(db *gorm.DB, analyticsModule *analytics.AnalyticsModule) *ReaderModule {
	return &ReaderModule{db: db, analytics: analyticsModule}
}

func (r *ReaderModule) RegisterRoutes(router *gin.Engine, viewerMiddleware gin.HandlerFunc) {
	group := router.Group("/read")
	group.Use(viewerMiddleware)
	{
		group.GET("", r.feed)
		group.GET("/:id", r.story)
	}
}

func (r *ReaderModule) story(c *gin.Context) {
	viewer := auth.Viewer(c)
	now := time.Now()

	var story models.Story
	if err := r.db.Where("id = ?", c.Param("id")).First(&story).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
		return
	}

	// Denials and dead stories are indistinguishable from missing ones.
	if !access.CanView(viewer, &story, now) {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
		return
	}

	r.analytics.TrackRead(c, story.ID)

	c.JSON(http.StatusOK, r.storyResponse(&story))
}

// feed lists live, anonymously public, indexable stories, newest first.
func (r *ReaderModule) feed(c *gin.Context) {
	now := time.Now()

	var candidates []models.Story
	if err := r.db.Where("visibility = ? AND search_indexable = ?",
		models.VisibilityAnonymousPublic, true).
		Where("publish_at IS NULL OR publish_at <= ?", now).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at DESC").
		Limit(50).
		Find(&candidates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stories"})
		return
	}

	out := make([]gin.H, 0, len(candidates))
	for i := range candidates {
		story := &candidates[i]
		// The SQL bounds already exclude dead stories; re-evaluate anyway so
		// the gate stays the single source of truth.
		if !access.IsLive(story.PublishAt, story.ExpiresAt, now) {
			continue
		}
		out = append(out, r.feedEntry(story))
	}
	c.JSON(http.StatusOK, gin.H{"stories": out})
}

func (r *ReaderModule) attribution(story *models.Story) (displayName, avatarSeed string) {
	var attributed models.Persona
	if err := r.db.Where("id = ?", story.PersonaID).First(&attributed).Error; err == nil {
		return attributed.DisplayName, attributed.AvatarSeed
	}
	return "", ""
}

func (r *ReaderModule) storyResponse(story *models.Story) gin.H {
	displayName, avatarSeed := r.attribution(story)

	return gin.H{
		"id":               story.ID,
		"title":            story.Title,
		"body_html":        r.renderBody(story),
		"tags":             r.storyTags(story.ID),
		"content_warnings": story.ContentWarnings,
		"display_name":     displayName,
		"avatar_seed":      avatarSeed,
		"search_indexable": access.EffectiveSearchIndexable(story),
		"created_at":       story.CreatedAt,
		"updated_at":       story.UpdatedAt,
	}
}

// feedEntry skips the rendered body; the feed links through to the story.
func (r *ReaderModule) feedEntry(story *models.Story) gin.H {
	displayName, avatarSeed := r.attribution(story)

	return gin.H{
		"id":               story.ID,
		"title":            story.Title,
		"tags":             r.storyTags(story.ID),
		"content_warnings": story.ContentWarnings,
		"display_name":     displayName,
		"avatar_seed":      avatarSeed,
		"created_at":       story.CreatedAt,
	}
}

func (r *ReaderModule) storyTags(storyID string) string {
	var storyTags []models.StoryTag
	if err := r.db.Where("story_id = ?", storyID).Find(&storyTags).Error; err != nil {
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
	if err := r.db.Where("id IN ?", tagIDs).Find(&tags).Error; err != nil {
		return ""
	}

	var tagTitles []string
	for _, tag := range tags {
		tagTitles = append(tagTitles, tag.Title)
	}

	return strings.Join(tagTitles, ", ")
}

// renderBody returns the story body as HTML, served from the file cache when
// the revision is already rendered.
func (r *ReaderModule) renderBody(story *models.Story) string {
	if html, ok := cache.ReadCache(story.ID, story.UpdatedAt); ok {
		return html
	}

	html := renderMarkdown(story.Body)
	cache.WriteCache(story.ID, story.UpdatedAt, html)
	return html
}

func renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		// On error, fall back to the raw content rather than failing the read.
		return content
	}
	return buf.String()
}
