package story

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"confide/access"
	"confide/analytics"
	"confide/models"
	"confide/persona"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db.AutoMigrate(&models.Account{}, &models.Persona{}, &models.Story{},
		&models.Comment{}, &models.Tag{}, &models.StoryTag{}, &analytics.ReadEvent{})
	return db
}

func asViewer(viewer access.Viewer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("viewer", viewer)
		c.Next()
	}
}

func setupTestRouter(db *gorm.DB, accountID int) (*gin.Engine, *StoryModule) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	module := NewStoryModule(db, persona.NewStore(db), analytics.NewAnalyticsModule(db))
	module.RegisterRoutes(router, asViewer(access.Authenticated(accountID)))
	return router, module
}

func createTestAccount(db *gorm.DB, email, displayName string) *models.Account {
	account := &models.Account{
		Email:        email,
		PasswordHash: "hashedpassword",
		DisplayName:  displayName,
	}
	db.Create(account)
	return account
}

func doJSON(router *gin.Engine, method, path string, payload gin.H) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateStory_DefaultsAndAutoProvisionedPersona(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "BraveSpirit42")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{"title": "First", "body": "Hello"})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)
	assert.Equal(t, models.VisibilityPrivate, story.Visibility)
	assert.False(t, story.SearchIndexable)

	var attributed models.Persona
	require.NoError(t, db.Where("id = ?", story.PersonaID).First(&attributed).Error)
	assert.True(t, attributed.IsDefault)
	assert.Equal(t, "BraveSpirit42", attributed.DisplayName)
	assert.Equal(t, account.ID, attributed.AccountID)
}

func TestCreateStory_RequiresTitleAndBody(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	assert.Equal(t, http.StatusBadRequest, doJSON(router, "POST", "/stories", gin.H{"body": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, "POST", "/stories", gin.H{"title": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, "POST", "/stories", gin.H{"title": "  ", "body": "x"}).Code)
}

func TestCreateStory_RejectsForeignPersona(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestAccount(db, "a@example.com", "A")
	other := createTestAccount(db, "b@example.com", "B")

	store := persona.NewStore(db)
	foreign, err := store.CreatePersona(other.ID, "Not Yours", "seed")
	require.NoError(t, err)

	router, _ := setupTestRouter(db, owner.ID)
	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "persona_id": foreign.ID,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateStory_InvalidVisibility(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{"title": "T", "body": "B", "visibility": "everyone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateStory_ExpiryMustBeInFuture(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	past := time.Now().Add(-time.Hour)
	w := doJSON(router, "POST", "/stories", gin.H{"title": "T", "body": "B", "expires_at": past})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateStory_SearchIndexableForcedOffWhenNotPublic(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "visibility": "private", "search_indexable": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)
	assert.False(t, story.SearchIndexable)

	w = doJSON(router, "POST", "/stories", gin.H{
		"title": "T2", "body": "B", "visibility": "anonymous_public", "search_indexable": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	story = models.Story{}
	require.NoError(t, db.Where("account_id = ? AND title = ?", account.ID, "T2").First(&story).Error)
	assert.True(t, story.SearchIndexable)
}

func TestCreateStory_AudienceClearedForNonRestrictedModes(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "visibility": "private", "audience_account_ids": []int{2, 3},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)
	assert.Empty(t, story.AudienceList())
}

func TestUpdateStory_AudienceRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestAccount(db, "a@example.com", "A")
	viewer := createTestAccount(db, "b@example.com", "B")
	router, _ := setupTestRouter(db, owner.ID)

	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "visibility": "trusted_circle",
		"audience_account_ids": []int{viewer.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", owner.ID).First(&story).Error)
	assert.True(t, access.CanView(access.Authenticated(viewer.ID), &story, time.Now()))

	w = doJSON(router, "PUT", "/stories/"+story.ID, gin.H{"audience_account_ids": []int{}})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, db.Where("id = ?", story.ID).First(&story).Error)
	assert.False(t, access.CanView(access.Authenticated(viewer.ID), &story, time.Now()))
}

func TestUpdateStory_OwnerOnly(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestAccount(db, "a@example.com", "A")
	intruder := createTestAccount(db, "b@example.com", "B")

	ownerRouter, _ := setupTestRouter(db, owner.ID)
	w := doJSON(ownerRouter, "POST", "/stories", gin.H{"title": "T", "body": "B"})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", owner.ID).First(&story).Error)

	intruderRouter, _ := setupTestRouter(db, intruder.ID)
	w = doJSON(intruderRouter, "PUT", "/stories/"+story.ID, gin.H{"title": "Hijacked"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(intruderRouter, "DELETE", "/stories/"+story.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(intruderRouter, "GET", "/stories/"+story.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateStory_PersonaChangeRevalidatesOwnership(t *testing.T) {
	db := setupTestDB(t)
	owner := createTestAccount(db, "a@example.com", "A")
	other := createTestAccount(db, "b@example.com", "B")

	store := persona.NewStore(db)
	mine, err := store.CreatePersona(owner.ID, "Second Self", "seed")
	require.NoError(t, err)
	foreign, err := store.CreatePersona(other.ID, "Not Yours", "seed")
	require.NoError(t, err)

	router, _ := setupTestRouter(db, owner.ID)
	w := doJSON(router, "POST", "/stories", gin.H{"title": "T", "body": "B"})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", owner.ID).First(&story).Error)

	w = doJSON(router, "PUT", "/stories/"+story.ID, gin.H{"persona_id": foreign.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "PUT", "/stories/"+story.ID, gin.H{"persona_id": mine.ID})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, db.Where("id = ?", story.ID).First(&story).Error)
	assert.Equal(t, mine.ID, story.PersonaID)
}

func TestUpdateStory_VisibilityChangeForcesSearchIndexableOff(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "visibility": "anonymous_public", "search_indexable": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)
	require.True(t, story.SearchIndexable)

	w = doJSON(router, "PUT", "/stories/"+story.ID, gin.H{"visibility": "private"})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, db.Where("id = ?", story.ID).First(&story).Error)
	assert.False(t, story.SearchIndexable)
}

func TestOwnerPreview_IgnoresTemporalGate(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	future := time.Now().Add(time.Hour)
	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "Scheduled", "body": "B", "publish_at": future,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)
	assert.False(t, access.CanView(access.Authenticated(account.ID), &story, time.Now()))

	w = doJSON(router, "GET", "/stories/"+story.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"scheduled"`)
}

func TestDeleteStory_RemovesCommentsToo(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, _ := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{"title": "T", "body": "B"})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)

	db.Create(&models.Comment{ID: "c1", StoryID: story.ID, AccountID: account.ID, PersonaID: story.PersonaID, Body: "hi"})

	w = doJSON(router, "DELETE", "/stories/"+story.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var storyCount, commentCount int64
	db.Model(&models.Story{}).Where("id = ?", story.ID).Count(&storyCount)
	db.Model(&models.Comment{}).Where("story_id = ?", story.ID).Count(&commentCount)
	assert.Equal(t, int64(0), storyCount)
	assert.Equal(t, int64(0), commentCount)
}

func TestStoryTags_ProcessAndReplace(t *testing.T) {
	db := setupTestDB(t)
	account := createTestAccount(db, "a@example.com", "A")
	router, module := setupTestRouter(db, account.ID)

	w := doJSON(router, "POST", "/stories", gin.H{
		"title": "T", "body": "B", "tags": "grief, healing, family",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var story models.Story
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&story).Error)

	var storyTags []models.StoryTag
	db.Where("story_id = ?", story.ID).Find(&storyTags)
	assert.Len(t, storyTags, 3)

	require.NoError(t, module.processStoryTags(story.ID, "grief, recovery"))
	db.Where("story_id = ?", story.ID).Find(&storyTags)
	assert.Len(t, storyTags, 2)

	var tags []models.Tag
	db.Find(&tags)
	assert.Len(t, tags, 4)
}

func TestListStories_OwnScopedWithDerivedState(t *testing.T) {
	db := setupTestDB(t)
	mine := createTestAccount(db, "a@example.com", "A")
	theirs := createTestAccount(db, "b@example.com", "B")

	myRouter, _ := setupTestRouter(db, mine.ID)
	theirRouter, _ := setupTestRouter(db, theirs.ID)

	require.Equal(t, http.StatusCreated, doJSON(myRouter, "POST", "/stories", gin.H{"title": "Mine", "body": "B"}).Code)
	require.Equal(t, http.StatusCreated, doJSON(theirRouter, "POST", "/stories", gin.H{"title": "Theirs", "body": "B"}).Code)

	w := doJSON(myRouter, "GET", "/stories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Mine")
	assert.NotContains(t, w.Body.String(), "Theirs")
	assert.Contains(t, w.Body.String(), `"state":"live"`)
}
