// Package api mounts the HTTP surface: the public price endpoint, the paid
// upload and inference routes, and the caller's upload history.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/inference"
	"github.com/chronicle-labs/chronicle/internal/ledger"
	"github.com/chronicle-labs/chronicle/internal/metrics"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/storage"
)

// Uploader stores documents; satisfied by *storage.Client.
type Uploader interface {
	Upload(ctx context.Context, u storage.Upload) (*storage.Result, error)
}

// Generator runs inference; satisfied by *inference.Client.
type Generator interface {
	GenerateText(ctx context.Context, req inference.TextRequest) (string, error)
	GenerateImage(ctx context.Context, req inference.ImageRequest) (string, error)
	EditImage(ctx context.Context, req inference.EditRequest) (string, error)
	GenerateVideo(ctx context.Context, req inference.VideoRequest) (string, error)
}

// Recorder accepts completed uploads; satisfied by *ledger.Queue.
type Recorder interface {
	RecordUpload(ctx context.Context, r ledger.Record) error
}

// Records reads upload history; satisfied by *ledger.Store.
type Records interface {
	List(ctx context.Context, wallet string, limit, offset int) ([]ledger.Record, error)
	Count(ctx context.Context, wallet string) (int64, error)
	Export(ctx context.Context, wallet string) ([]ledger.Entry, error)
}

// Deps are the collaborators of Handler.
type Deps struct {
	Pricing   pricing.Engine
	Flat      pricing.FlatPrices
	Admission *admission.Controller
	Storage   Uploader
	Inference Generator
	Recorder  Recorder
	Records   Records
	// Unserved receives charges whose handler failed after payment.
	Unserved admission.UnservedRecorder
	Metrics  *metrics.Metrics
	// Decimals of the payment asset, used to cap upstream storage payments.
	Decimals     int
	MaxBodyBytes int64
}

// Handler wires up all API routes onto a Gin engine.
type Handler struct {
	Deps
	log *zap.Logger
}

func NewHandler(deps Deps, log *zap.Logger) *Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 10 << 20
	}
	if deps.Decimals == 0 {
		deps.Decimals = 6
	}
	return &Handler{Deps: deps, log: log}
}

// RegisterPublic mounts routes that need no identity.
func (h *Handler) RegisterPublic(rg *gin.RouterGroup) {
	rg.GET("/price", h.handlePrice)
	rg.GET("/prices", h.handlePrices)
}

// Register mounts the identity-bound routes. The identity middleware should
// already be applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.Use(LimitBody(h.MaxBodyBytes))

	// ── Paid ───────────────────────────────────────────────────────────────
	rg.POST("/upload", h.Admission.Require(admission.Route{
		Class:       classUpload,
		Description: "Upload document to permanent storage",
		MimeType:    "application/json",
		Quote:       h.quoteUpload,
	}), h.handleUpload)

	rg.POST("/ai/text", h.Admission.Require(h.aiRoute(kindText, "Text generation", bindQuote[inference.TextRequest])), h.handleText)
	rg.POST("/ai/image", h.Admission.Require(h.aiRoute(kindImage, "Image generation", bindQuote[inference.ImageRequest])), h.handleImage)
	rg.POST("/ai/image-edit", h.Admission.Require(h.aiRoute(kindImageEdit, "Image editing", bindQuote[inference.EditRequest])), h.handleImageEdit)
	rg.POST("/ai/video", h.Admission.Require(h.aiRoute(kindVideo, "Video generation", bindQuote[inference.VideoRequest])), h.handleVideo)

	// ── Free ───────────────────────────────────────────────────────────────
	rg.POST("/ai/agent", h.handleAgent)
	rg.GET("/uploads", h.handleListUploads)
	rg.GET("/uploads/export", h.handleExport)
}

// ── Pricing ─────────────────────────────────────────────────────────────────

func (h *Handler) handlePrice(c *gin.Context) {
	size, _ := strconv.ParseInt(c.Query("size"), 10, 64)
	q := h.Pricing.Quote(size)
	c.JSON(http.StatusOK, gin.H{
		"priceUsd":  q.ComputedPriceUSD,
		"sizeBytes": q.SizeBytes,
		"quote":     q,
	})
}

func (h *Handler) handlePrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"upload": gin.H{
			"basePriceUsd":     h.Pricing.BasePriceUSD,
			"costPerMibUsd":    h.Pricing.CostPerMiBUSD,
			"markupMultiplier": h.Pricing.MarkupMultiplier,
		},
		"text":       h.Flat.Text,
		"image":      h.Flat.Image,
		"image-edit": h.Flat.ImageEdit,
		"video":      h.Flat.Video,
	})
}

// ── helpers ─────────────────────────────────────────────────────────────────

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// unserved records that a paid request was not served because the
// collaborator behind it failed.
func (h *Handler) unserved(c *gin.Context, log *zap.Logger) {
	if h.Unserved == nil {
		return
	}
	price := c.GetFloat64(admission.ContextPriceUSD)
	tx := c.GetString(admission.ContextTransaction)
	if err := h.Unserved.RecordUnserved(c.Request.Context(), callerOf(c), c.FullPath(), price, tx); err != nil {
		log.Error("record unserved charge", zap.Error(err))
	}
}
