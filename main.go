package main

import (
	"log"
	"os"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"confide/analytics"
	"confide/auth"
	"confide/comment"
	"confide/common"
	"confide/database"
	"confide/persona"
	"confide/reader"
	"confide/story"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	db := common.ConnectDb()
	if db == nil {
		log.Fatal("Failed to connect to database")
	}

	if err := database.RunMigrations(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	router := gin.Default()

	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_SECRET environment variable not set")
	}

	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   false,
	})

	router.Use(sessions.Sessions("confide-session", store))

	authModule := auth.NewAuthModule(db)
	authModule.RegisterRoutes(router)

	analyticsModule := analytics.NewAnalyticsModule(db)
	personaStore := persona.NewStore(db)

	personaModule := persona.NewPersonaModule(personaStore)
	personaModule.RegisterRoutes(router, authModule.CurrentViewer, auth.RequireAccount)

	storyModule := story.NewStoryModule(db, personaStore, analyticsModule)
	storyModule.RegisterRoutes(router, authModule.CurrentViewer, auth.RequireAccount)

	commentModule := comment.NewCommentModule(db, personaStore)
	commentModule.RegisterRoutes(router, authModule.CurrentViewer)

	readerModule := reader.NewReaderModule(db, analyticsModule)
	readerModule.RegisterRoutes(router, authModule.CurrentViewer)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting server on port %s...", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
