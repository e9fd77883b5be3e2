package auth

import (
	"crypto/rand"
	"encoding/base64"
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"confide/access"
	emailpkg "confide/email"
	"confide/models"
)

// AuthModule is the identity collaborator: it turns credentials into a
// session and a session into an access.Viewer. Nothing else in the service
// authenticates; everything downstream consumes the resolved viewer.
type AuthModule struct {
	db *gorm.DB
}

func NewAuthModule(db *gorm.DB) *AuthModule {
	return &AuthModule{db: db}
}

func (a *AuthModule) RegisterRoutes(router *gin.Engine) {
	router.POST("/auth/register", a.register)
	router.GET("/auth/confirm/:token", a.confirmEmail)
	router.POST("/auth/login", a.login)
	router.POST("/auth/logout", a.logout)
}

// CurrentViewer resolves the session into a viewer and stores it on the
// context. Anonymous requests pass through with an anonymous viewer.
func (a *AuthModule) CurrentViewer(c *gin.Context) {
	session := sessions.Default(c)
	accountID := session.Get("account_id")

	if id, ok := accountID.(int); ok {
		c.Set("viewer", access.Authenticated(id))
	} else {
		c.Set("viewer", access.Anonymous())
	}
	c.Next()
}

// RequireAccount aborts anonymous requests with 401.
func RequireAccount(c *gin.Context) {
	if !Viewer(c).Authenticated {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		c.Abort()
		return
	}
	c.Next()
}

// Viewer returns the viewer resolved by CurrentViewer. Routes registered
// without the middleware see an anonymous viewer.
func Viewer(c *gin.Context) access.Viewer {
	if v, exists := c.Get("viewer"); exists {
		if viewer, ok := v.(access.Viewer); ok {
			return viewer
		}
	}
	return access.Anonymous()
}

func (a *AuthModule) register(c *gin.Context) {
	var request struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if request.Email == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	var existing models.Account
	if err := a.db.Where("email = ?", request.Email).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}

	passwordHash, err := hashPassword(request.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	verificationToken, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	account := models.Account{
		Email:                  request.Email,
		PasswordHash:           passwordHash,
		DisplayName:            request.DisplayName,
		EmailVerified:          false,
		EmailVerificationToken: verificationToken,
	}

	if err := a.db.Create(&account).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	emailService := emailpkg.NewEmailService()
	if err := emailService.SendVerificationEmail(account.Email, verificationToken); err != nil {
		log.Printf("Error sending verification email to %s: %v", account.Email, err)
	}

	c.JSON(http.StatusCreated, gin.H{"id": account.ID, "email": account.Email})
}

func (a *AuthModule) confirmEmail(c *gin.Context) {
	token := c.Param("token")

	var account models.Account
	if err := a.db.Where("email_verification_token = ?", token).First(&account).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid or expired token"})
		return
	}

	if account.EmailVerified {
		c.JSON(http.StatusOK, gin.H{"message": "email already confirmed"})
		return
	}

	account.EmailVerified = true
	account.EmailVerificationToken = ""

	if err := a.db.Save(&account).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to confirm email"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "email confirmed"})
}

func (a *AuthModule) login(c *gin.Context) {
	var request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var account models.Account
	if err := a.db.Where("email = ?", request.Email).First(&account).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect email or password"})
		return
	}

	if !checkPasswordHash(request.Password, account.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect email or password"})
		return
	}

	if !account.EmailVerified {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "email not verified"})
		return
	}

	session := sessions.Default(c)
	session.Set("account_id", account.ID)
	session.Save()

	c.JSON(http.StatusOK, gin.H{"id": account.ID, "display_name": account.DisplayName})
}

func (a *AuthModule) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
