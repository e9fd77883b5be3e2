package comment

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"confide/access"
	"confide/apperr"
	"confide/auth"
	"confide/models"
	"confide/persona"
)

// CommentModule attaches persona-attributed replies to stories. A comment
// has no visibility of its own: it
// inherits the parent story's access decision on every read.
type CommentModule struct {
	db       *gorm.DB
	personas *persona.Store
}

func NewCommentModule(db *gorm.DB, personas *persona.Store) *CommentModule {
	return &CommentModule{db: db, personas: personas}
}

// RegisterRoutes wires the comment endpoints. Listing is open to anonymous
// viewers (the parent story's access decision still gates it); posting and
// deleting require a session.
func (m *CommentModule) RegisterRoutes(router *gin.Engine, viewerMiddleware gin.HandlerFunc) {
	router.GET("/stories/:id/comments", viewerMiddleware, m.list)
	router.POST("/stories/:id/comments", viewerMiddleware, auth.RequireAccount, m.create)
	router.DELETE("/comments/:id", viewerMiddleware, auth.RequireAccount, m.delete)
}

// loadViewable loads the parent story and applies its access decision.
// Denied viewers get a not-found, the same answer the public read surface
// gives, so a hidden story stays indistinguishable from a missing one.
func (m *CommentModule) loadViewable(storyID string, viewer access.Viewer, now time.Time) (*models.Story, error) {
	var story models.Story
	if err := m.db.Where("id = ?", storyID).First(&story).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NotFound("story")
		}
		return nil, err
	}
	if !access.CanView(viewer, &story, now) {
		return nil, apperr.NotFound("story")
	}
	return &story, nil
}

func (m *CommentModule) list(c *gin.Context) {
	viewer := auth.Viewer(c)

	story, err := m.loadViewable(c.Param("id"), viewer, time.Now())
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	var comments []models.Comment
	if err := m.db.Where("story_id = ?", story.ID).Order("created_at ASC").Find(&comments).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load comments"})
		return
	}

	out := make([]gin.H, 0, len(comments))
	for i := range comments {
		out = append(out, m.commentResponse(&comments[i], viewer))
	}
	c.JSON(http.StatusOK, gin.H{"comments": out})
}

func (m *CommentModule) create(c *gin.Context) {
	viewer := auth.Viewer(c)

	story, err := m.loadViewable(c.Param("id"), viewer, time.Now())
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	var request struct {
		Body      string  `json:"body"`
		PersonaID *string `json:"persona_id"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	body := strings.TrimSpace(request.Body)
	if body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must not be empty"})
		return
	}

	attributed, err := m.resolvePersona(viewer, request.PersonaID)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}

	comment := models.Comment{
		ID:        uuid.NewString(),
		StoryID:   story.ID,
		AccountID: viewer.AccountID,
		PersonaID: attributed.ID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := m.db.Create(&comment).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create comment"})
		return
	}

	c.JSON(http.StatusCreated, m.commentResponse(&comment, viewer))
}

func (m *CommentModule) delete(c *gin.Context) {
	viewer := auth.Viewer(c)

	var comment models.Comment
	if err := m.db.Where("id = ?", c.Param("id")).First(&comment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if comment.AccountID != viewer.AccountID {
		c.JSON(http.StatusForbidden, gin.H{"error": "comment belongs to another account"})
		return
	}

	if err := m.db.Delete(&comment).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete comment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "comment deleted"})
}

func (m *CommentModule) resolvePersona(viewer access.Viewer, personaID *string) (*models.Persona, error) {
	if personaID != nil && *personaID != "" {
		return m.personas.GetOwned(*personaID, viewer.AccountID)
	}

	var account models.Account
	if err := m.db.First(&account, viewer.AccountID).Error; err != nil {
		return nil, err
	}
	fallbackName := account.DisplayName
	if fallbackName == "" {
		fallbackName = strings.SplitN(account.Email, "@", 2)[0]
	}
	return m.personas.EnsureDefaultPersona(viewer.AccountID, fallbackName, uuid.NewString())
}

// commentResponse shapes a comment for output: persona attribution only,
// except that authors see a "mine" flag so clients can offer deletion.
func (m *CommentModule) commentResponse(comment *models.Comment, viewer access.Viewer) gin.H {
	var attributed models.Persona
	displayName := ""
	avatarSeed := ""
	if err := m.db.Where("id = ?", comment.PersonaID).First(&attributed).Error; err == nil {
		displayName = attributed.DisplayName
		avatarSeed = attributed.AvatarSeed
	}

	return gin.H{
		"id":           comment.ID,
		"story_id":     comment.StoryID,
		"body":         comment.Body,
		"display_name": displayName,
		"avatar_seed":  avatarSeed,
		"created_at":   comment.CreatedAt,
		"mine":         viewer.Authenticated && viewer.AccountID == comment.AccountID,
	}
}
