package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/settings"
	"github.com/voxlog/voxlog/internal/utils"
)

type SettingsHandler struct {
	store settings.Store
}

func NewSettingsHandler(store settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func (h *SettingsHandler) Get(c *gin.Context) {
	conf, err := h.store.Load(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

func (h *SettingsHandler) Put(c *gin.Context) {
	const op = "SettingsHandler.Put"

	var conf models.Settings
	if err := c.ShouldBindJSON(&conf); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}
	switch conf.Provider {
	case models.ProviderGoogle, models.ProviderWhisper:
	default:
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "provider must be google or whisper", nil))
		return
	}
	if conf.Provider == models.ProviderWhisper && conf.WhisperBaseURL == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "whisper_base_url is required for the whisper provider", nil))
		return
	}

	if err := h.store.Save(c.Request.Context(), conf); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}
