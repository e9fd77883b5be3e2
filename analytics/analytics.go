package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ReadEvent is one counted story read. Visitors are identified only by an
// opaque cookie hash; no IP address or account id is retained, so read
// counts cannot be tied back to who the reader was.
type ReadEvent struct {
	ID          uint      `gorm:"primary_key;autoIncrement"`
	StoryID     string    `gorm:"not null;index"`
	VisitorHash string    `gorm:"not null;index"`
	Browser     *string   // nullable
	Language    *string   // nullable
	CreatedAt   time.Time `gorm:"index"`
}

type AnalyticsModule struct {
	db *gorm.DB
}

func NewAnalyticsModule(db *gorm.DB) *AnalyticsModule {
	if db == nil {
		log.Println("Analytics DB is nil, analytics will be disabled")
		return nil
	}
	return &AnalyticsModule{db: db}
}

// TrackRead records a story read. Throttled per visitor: refreshes within 30
// minutes of a counted read are ignored. Callers must only invoke this after
// the access check for the story has passed.
func (a *AnalyticsModule) TrackRead(c *gin.Context, storyID string) {
	if a == nil || a.db == nil {
		return
	}

	visitorHash := a.getOrCreateVisitorHash(c)

	thirtyMinutesAgo := time.Now().Add(-30 * time.Minute)
	var recent ReadEvent
	err := a.db.Where("visitor_hash = ? AND story_id = ? AND created_at > ?",
		visitorHash, storyID, thirtyMinutesAgo).First(&recent).Error
	if err == nil {
		return
	}

	event := ReadEvent{
		StoryID:     storyID,
		VisitorHash: visitorHash,
		Browser:     extractBrowser(c.Request.UserAgent()),
		Language:    extractLanguage(c),
		CreatedAt:   time.Now(),
	}

	// Async so tracking never slows a read down.
	go func() {
		if err := a.db.Create(&event).Error; err != nil {
			log.Printf("Error saving read event: %v", err)
		}
	}()
}

func (a *AnalyticsModule) getOrCreateVisitorHash(c *gin.Context) string {
	cookieName := "confide_visitor_id"

	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	data := time.Now().String() + c.ClientIP() + c.Request.UserAgent()
	hash := sha256.Sum256([]byte(data))
	visitorHash := hex.EncodeToString(hash[:])

	c.SetCookie(
		cookieName,
		visitorHash,
		60*60*24*365*2, // 2 years
		"/",
		"",
		false, // secure - would be true on HTTPS
		true,  // httpOnly
	)

	return visitorHash
}

func extractBrowser(userAgent string) *string {
	if userAgent == "" {
		return nil
	}

	ua := strings.ToLower(userAgent)
	var browser string

	// Order matters, check the more specific markers first.
	switch {
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "chrome") && !strings.Contains(ua, "edg"):
		browser = "Chrome"
	case strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome"):
		browser = "Safari"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr"):
		browser = "Opera"
	default:
		browser = "Other"
	}

	return &browser
}

func extractLanguage(c *gin.Context) *string {
	acceptLang := c.GetHeader("Accept-Language")
	if acceptLang == "" {
		return nil
	}

	// "en-US,en;q=0.9,pt-BR;q=0.8" - keep only the preferred language
	parts := strings.Split(acceptLang, ",")
	lang := strings.TrimSpace(parts[0])
	lang = strings.Split(lang, ";")[0]
	return &lang
}

// DayReads is the read count for one calendar day.
type DayReads struct {
	Date  string
	Count int64
}

// StoryReadCount returns the total counted reads of a story.
func (a *AnalyticsModule) StoryReadCount(storyID string) int64 {
	if a == nil || a.db == nil {
		return 0
	}

	var count int64
	a.db.Model(&ReadEvent{}).Where("story_id = ?", storyID).Count(&count)
	return count
}

// ReadsByDay returns read counts per day for the last N days, zero-filled.
func (a *AnalyticsModule) ReadsByDay(storyID string, days int) []DayReads {
	if a == nil || a.db == nil {
		return []DayReads{}
	}

	startDate := time.Now().AddDate(0, 0, -days)

	var results []struct {
		Date  string
		Count int64
	}

	a.db.Model(&ReadEvent{}).
		Select("DATE(created_at) as date, COUNT(*) as count").
		Where("story_id = ? AND created_at >= ?", storyID, startDate).
		Group("DATE(created_at)").
		Order("date ASC").
		Scan(&results)

	dayReads := make([]DayReads, days)
	for i := 0; i < days; i++ {
		date := time.Now().AddDate(0, 0, -(days - 1 - i))
		dayReads[i] = DayReads{
			Date:  date.Format("2006-01-02"),
			Count: 0,
		}
	}

	for _, result := range results {
		for i := range dayReads {
			if dayReads[i].Date == result.Date {
				dayReads[i].Count = result.Count
				break
			}
		}
	}

	return dayReads
}
