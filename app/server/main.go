package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/voxlog/voxlog/config"
	"github.com/voxlog/voxlog/internal/api/handlers"
	"github.com/voxlog/voxlog/internal/api/middleware"
	"github.com/voxlog/voxlog/internal/api/routes"
	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/logger"
	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/providers/stt"
	mongorepo "github.com/voxlog/voxlog/internal/repositories/mongo"
	"github.com/voxlog/voxlog/internal/scheduler"
	"github.com/voxlog/voxlog/internal/services"
	"github.com/voxlog/voxlog/internal/settings"
	"github.com/voxlog/voxlog/internal/utils"
)

func main() {
	_ = godotenv.Load()

	l := logger.New()

	if err := config.InitMongo(); err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	fmt.Println("MongoDB connected")
	if err := config.EnsureMongoIndexes(); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}

	if err := config.InitRedis(); err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	fmt.Println("Redis connected")

	sessionRepo := mongorepo.NewSessionRepo(config.MongoDatabase())
	settingsStore := settings.NewRedisStore(config.RedisClient)

	// the HTTP driver is the capture device: each recording gets a fresh
	// buffer source fed by POST /recorder/audio or the websocket stream
	var (
		srcMu  sync.Mutex
		active *capture.BufferSource
	)
	newSource := func() capture.Source {
		srcMu.Lock()
		defer srcMu.Unlock()
		active = capture.NewBufferSource()
		return active
	}
	ingest := func(data []byte) error {
		srcMu.Lock()
		src := active
		srcMu.Unlock()
		if src == nil || src.Closed() {
			return utils.E(utils.CodeInvalidArgument, "AudioIngest", "no recording in progress", nil)
		}
		src.Push(data)
		return nil
	}

	rec := services.NewRecorder(
		sessionRepo,
		settingsStore,
		providerFor,
		newSource,
		scheduler.DefaultInterval,
		l,
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(l))

	routes.RegisterRoutes(r, routes.Deps{
		Recorder: handlers.NewRecorderHandler(rec),
		Audio:    handlers.NewAudioHandler(ingest),
		WS:       handlers.NewWSHandler(ingest),
		Settings: handlers.NewSettingsHandler(settingsStore),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// providerFor builds the transcription backend the loaded settings select.
func providerFor(ctx context.Context, conf models.Settings) (stt.Provider, error) {
	switch conf.Provider {
	case models.ProviderWhisper:
		base := conf.WhisperBaseURL
		if base == "" {
			base = os.Getenv("WHISPER_BASE_URL")
		}
		if base == "" {
			return nil, utils.E(utils.CodeInvalidArgument, "providerFor", "whisper_base_url is not configured", nil)
		}
		return stt.NewWhisperHTTP(base, conf.WhisperModel), nil
	default:
		return stt.NewGoogleSpeech(ctx)
	}
}
