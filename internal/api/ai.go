package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/inference"
	"github.com/chronicle-labs/chronicle/internal/ratelimit"
)

const (
	classUpload   = ratelimit.ClassUpload
	kindText      = ratelimit.ClassText
	kindImage     = ratelimit.ClassImage
	kindImageEdit = ratelimit.ClassImageEdit
	kindVideo     = ratelimit.ClassVideo
)

// bindQuote validates the request body before a challenge is issued, so a
// malformed request is never charged for. The body is cached by gin for the
// handler's own bind.
func bindQuote[T any](c *gin.Context) error {
	var req T
	return c.ShouldBindBodyWith(&req, binding.JSON)
}

func (h *Handler) aiRoute(kind ratelimit.Class, desc string, validate func(*gin.Context) error) admission.Route {
	return admission.Route{
		Class:       kind,
		Description: desc,
		MimeType:    "application/json",
		Quote: func(c *gin.Context) (float64, error) {
			if err := validate(c); err != nil {
				return 0, err
			}
			return h.Flat.For(string(kind))
		},
	}
}

func (h *Handler) handleText(c *gin.Context) {
	var req inference.TextRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}
	text, err := h.Inference.GenerateText(c.Request.Context(), req)
	if err != nil {
		h.inferenceFailed(c, kindText, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": inference.StripThinking(text)})
}

func (h *Handler) handleImage(c *gin.Context) {
	var req inference.ImageRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}
	img, err := h.Inference.GenerateImage(c.Request.Context(), req)
	if err != nil {
		h.inferenceFailed(c, kindImage, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_b64": img})
}

func (h *Handler) handleImageEdit(c *gin.Context) {
	var req inference.EditRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}
	img, err := h.Inference.EditImage(c.Request.Context(), req)
	if err != nil {
		h.inferenceFailed(c, kindImageEdit, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_b64": img})
}

func (h *Handler) handleVideo(c *gin.Context) {
	var req inference.VideoRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}
	url, err := h.Inference.GenerateVideo(c.Request.Context(), req)
	if err != nil {
		h.inferenceFailed(c, kindVideo, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_url": url})
}

func (h *Handler) inferenceFailed(c *gin.Context, kind ratelimit.Class, err error) {
	log := h.log.With(zap.String("wallet", callerOf(c)), zap.String("kind", string(kind)))
	log.Error("inference failed", zap.Error(err))
	h.unserved(c, log)
	if errors.Is(err, inference.ErrNotConfigured) {
		abort(c, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED", "AI service not configured")
		return
	}
	abort(c, http.StatusBadGateway, "AI_FAILED", "AI generation failed")
}

// ── Agent ───────────────────────────────────────────────────────────────────

type agentRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// handleAgent classifies a prompt and quotes the paid route that serves it.
// It never calls a model itself: every answer goes through a paid route.
func (h *Handler) handleAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}

	intent := inference.DetectIntent(req.Prompt)
	price, err := h.Flat.For(string(intent))
	if err != nil {
		abort(c, http.StatusInternalServerError, admission.CodeInternal, err.Error())
		return
	}
	cents := int(math.Round(price * 100))

	resp := gin.H{
		"intent":   intent,
		"price":    price,
		"endpoint": "/api/ai/" + string(intent),
	}
	switch intent {
	case inference.IntentImage:
		resp["text"] = fmt.Sprintf("Image generation will cost %d¢. Would you like me to proceed?", cents)
		resp["toolNeeded"] = intent
	case inference.IntentVideo:
		resp["text"] = fmt.Sprintf("Video generation will cost %d¢. Would you like me to proceed?", cents)
		resp["toolNeeded"] = intent
	default:
		resp["text"] = fmt.Sprintf("A chat answer will cost %d¢. Would you like me to proceed?", cents)
		resp["toolNeeded"] = nil
	}
	c.JSON(http.StatusOK, resp)
}
