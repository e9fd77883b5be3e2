package persona

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"confide/apperr"
	"confide/auth"
	"confide/models"
)

const maxDisplayNameLen = 50

// Store owns the persona collection. It guarantees that once an account has
// any persona, exactly one of them is the default, including under
// concurrent auto-provisioning: sqlite through gorm cannot express a partial
// unique index on (account_id, is_default), so the check-and-create in
// EnsureDefaultPersona is serialized with a per-account mutex.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, locks: make(map[int]*sync.Mutex)}
}

func (s *Store) accountLock(accountID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

// releaseLock drops the account's lock entry once the default persona row
// exists. Safe because the guarded section is an idempotent check-then-create:
// a goroutine still holding a stale lock will find the committed default.
func (s *Store) releaseLock(accountID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, accountID)
}

func (s *Store) ListPersonas(accountID int) ([]models.Persona, error) {
	var personas []models.Persona
	if err := s.db.Where("account_id = ?", accountID).Find(&personas).Error; err != nil {
		return nil, err
	}
	return personas, nil
}

// EnsureDefaultPersona returns the account's default persona, creating one
// from the fallback values when none exists. Idempotent: concurrent calls
// for the same account yield the same persona.
func (s *Store) EnsureDefaultPersona(accountID int, fallbackDisplayName, fallbackAvatarSeed string) (*models.Persona, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var existing models.Persona
	err := s.db.Where("account_id = ? AND is_default = ?", accountID, true).First(&existing).Error
	if err == nil {
		s.releaseLock(accountID)
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	name := normalizeDisplayName(fallbackDisplayName)
	if name == "" {
		name = "Anonymous"
	}
	if len([]rune(name)) > maxDisplayNameLen {
		name = string([]rune(name)[:maxDisplayNameLen])
	}

	now := time.Now()
	created := models.Persona{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		DisplayName: name,
		AvatarSeed:  fallbackAvatarSeed,
		IsDefault:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.Create(&created).Error; err != nil {
		return nil, err
	}
	s.releaseLock(accountID)
	return &created, nil
}

func (s *Store) CreatePersona(accountID int, displayName, avatarSeed string) (*models.Persona, error) {
	name := normalizeDisplayName(displayName)
	if err := validateDisplayName(name); err != nil {
		return nil, err
	}

	now := time.Now()
	persona := models.Persona{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		DisplayName: name,
		AvatarSeed:  avatarSeed,
		IsDefault:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.Create(&persona).Error; err != nil {
		return nil, err
	}
	return &persona, nil
}

// Patch carries optional persona mutations. Nil fields are left untouched.
type Patch struct {
	DisplayName *string
	AvatarSeed  *string
}

func (s *Store) UpdatePersona(personaID string, accountID int, patch Patch) (*models.Persona, error) {
	var persona models.Persona
	if err := s.db.Where("id = ?", personaID).First(&persona).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NotFound("persona")
		}
		return nil, err
	}
	if persona.AccountID != accountID {
		return nil, apperr.Forbidden("persona belongs to another account")
	}

	if patch.DisplayName != nil {
		name := normalizeDisplayName(*patch.DisplayName)
		if err := validateDisplayName(name); err != nil {
			return nil, err
		}
		persona.DisplayName = name
	}
	if patch.AvatarSeed != nil {
		persona.AvatarSeed = *patch.AvatarSeed
	}
	persona.UpdatedAt = time.Now()

	if err := s.db.Save(&persona).Error; err != nil {
		return nil, err
	}
	return &persona, nil
}

func (s *Store) DeletePersona(personaID string, accountID int) error {
	var persona models.Persona
	if err := s.db.Where("id = ?", personaID).First(&persona).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperr.NotFound("persona")
		}
		return err
	}
	if persona.AccountID != accountID {
		return apperr.Forbidden("persona belongs to another account")
	}
	if persona.IsDefault {
		return apperr.Conflict("cannot delete the default persona")
	}
	return s.db.Delete(&persona).Error
}

// GetOwned loads a persona and checks it belongs to accountID. Story and
// comment creation use this to validate attribution.
func (s *Store) GetOwned(personaID string, accountID int) (*models.Persona, error) {
	var persona models.Persona
	if err := s.db.Where("id = ?", personaID).First(&persona).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.Validation("persona %s does not exist", personaID)
		}
		return nil, err
	}
	if persona.AccountID != accountID {
		return nil, apperr.Validation("persona does not belong to this account")
	}
	return &persona, nil
}

func normalizeDisplayName(name string) string {
	return strings.TrimSpace(name)
}

func validateDisplayName(name string) error {
	if name == "" {
		return apperr.Validation("display name must not be empty")
	}
	if len([]rune(name)) > maxDisplayNameLen {
		return apperr.Validation("display name must be at most %d characters", maxDisplayNameLen)
	}
	return nil
}

// PersonaModule exposes the store over HTTP. All routes require a session.
type PersonaModule struct {
	store *Store
}

func NewPersonaModule(store *Store) *PersonaModule {
	return &PersonaModule{store: store}
}

func (p *PersonaModule) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	group := router.Group("/personas")
	group.Use(middleware...)
	{
		group.GET("", p.list)
		group.POST("", p.create)
		group.PUT("/:id", p.update)
		group.DELETE("/:id", p.delete)
	}
}

func (p *PersonaModule) list(c *gin.Context) {
	viewer := auth.Viewer(c)

	personas, err := p.store.ListPersonas(viewer.AccountID)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

func (p *PersonaModule) create(c *gin.Context) {
	viewer := auth.Viewer(c)

	var request struct {
		DisplayName string `json:"display_name"`
		AvatarSeed  string `json:"avatar_seed"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	persona, err := p.store.CreatePersona(viewer.AccountID, request.DisplayName, request.AvatarSeed)
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusCreated, persona)
}

func (p *PersonaModule) update(c *gin.Context) {
	viewer := auth.Viewer(c)

	var request struct {
		DisplayName *string `json:"display_name"`
		AvatarSeed  *string `json:"avatar_seed"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	persona, err := p.store.UpdatePersona(c.Param("id"), viewer.AccountID, Patch{
		DisplayName: request.DisplayName,
		AvatarSeed:  request.AvatarSeed,
	})
	if err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusOK, persona)
}

func (p *PersonaModule) delete(c *gin.Context) {
	viewer := auth.Viewer(c)

	if err := p.store.DeletePersona(c.Param("id"), viewer.AccountID); err != nil {
		c.JSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "persona deleted"})
}
