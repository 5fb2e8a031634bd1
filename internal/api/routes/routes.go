package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/internal/api/handlers"
)

type Deps struct {
	Recorder *handlers.RecorderHandler
	Audio    *handlers.AudioHandler
	WS       *handlers.WSHandler
	Settings *handlers.SettingsHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	r.POST("/recorder/start", d.Recorder.Start)
	r.POST("/recorder/stop", d.Recorder.Stop)
	r.POST("/recorder/audio", d.Audio.Push)
	r.GET("/recorder/ws", d.WS.RecorderWS)

	r.GET("/sessions", d.Recorder.List)
	r.GET("/sessions/search", d.Recorder.Search)
	r.DELETE("/sessions", d.Recorder.ClearAll)
	r.DELETE("/sessions/:session_id", d.Recorder.Delete)
	r.POST("/sessions/:session_id/retry", d.Recorder.Retry)
	r.PUT("/sessions/:session_id/segments/:index", d.Recorder.EditSegment)

	r.GET("/settings", d.Settings.Get)
	r.PUT("/settings", d.Settings.Put)
}
