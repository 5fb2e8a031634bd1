package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/internal/utils"
)

// AudioIngest delivers one captured fragment to the active recording.
type AudioIngest func(data []byte) error

// AudioHandler accepts raw audio fragments from the driver (the browser or
// CLI acting as the capture device) while a recording is in progress.
type AudioHandler struct {
	push AudioIngest
}

func NewAudioHandler(push AudioIngest) *AudioHandler {
	return &AudioHandler{push: push}
}

const maxFragmentBytes = 4 << 20

func (h *AudioHandler) Push(c *gin.Context) {
	const op = "AudioHandler.Push"

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFragmentBytes))
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read fragment", err))
		return
	}
	if len(data) == 0 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "empty fragment", nil))
		return
	}
	if err := h.push(data); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
