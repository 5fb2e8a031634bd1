package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/internal/services"
	"github.com/voxlog/voxlog/internal/utils"
)

type RecorderHandler struct {
	rec services.Recorder
}

func NewRecorderHandler(rec services.Recorder) *RecorderHandler {
	return &RecorderHandler{rec: rec}
}

type StartRequest struct {
	Mode string `json:"mode"` // new|append, defaults to new
}

func (h *RecorderHandler) Start(c *gin.Context) {
	var req StartRequest
	// an empty body means a plain new recording
	_ = c.ShouldBindJSON(&req)

	mode := services.ModeNew
	switch req.Mode {
	case "", string(services.ModeNew):
	case string(services.ModeAppend):
		mode = services.ModeAppend
	default:
		writeError(c, utils.E(utils.CodeInvalidArgument, "RecorderHandler.Start", "mode must be new or append", nil))
		return
	}

	sess, err := h.rec.StartRecording(c.Request.Context(), mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *RecorderHandler) Stop(c *gin.Context) {
	sess, err := h.rec.StopRecording(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *RecorderHandler) Retry(c *gin.Context) {
	sess, err := h.rec.Retry(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type EditSegmentRequest struct {
	Text string `json:"text"`
}

func (h *RecorderHandler) EditSegment(c *gin.Context) {
	const op = "RecorderHandler.EditSegment"

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "segment index must be an integer", err))
		return
	}

	var req EditSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}

	sess, err := h.rec.EditSegment(c.Request.Context(), c.Param("session_id"), index, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *RecorderHandler) List(c *gin.Context) {
	sessions, err := h.rec.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *RecorderHandler) Search(c *gin.Context) {
	sessions, err := h.rec.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *RecorderHandler) Delete(c *gin.Context) {
	if err := h.rec.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RecorderHandler) ClearAll(c *gin.Context) {
	if err := h.rec.ClearAll(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
