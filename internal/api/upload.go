package api

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/ledger"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/storage"
)

const ctxUpload = "pending_upload"

type uploadRequest struct {
	Data      string `json:"data" binding:"required"`
	Type      string `json:"type" binding:"required,oneof=markdown image json"`
	Name      string `json:"name" binding:"max=256"`
	Encrypted bool   `json:"encrypted"`
	CipherIV  string `json:"cipher_iv" binding:"max=128"`
}

// pendingUpload is an upload request already decoded into stored bytes.
type pendingUpload struct {
	req         uploadRequest
	body        []byte
	contentType string
}

// sizeBytes is what the caller pays for: the length of the data as sent.
func (p *pendingUpload) sizeBytes() int64 { return int64(len(p.req.Data)) }

// readUpload binds and encodes the upload once per request.
func (h *Handler) readUpload(c *gin.Context) (*pendingUpload, error) {
	if v, ok := c.Get(ctxUpload); ok {
		return v.(*pendingUpload), nil
	}
	var req uploadRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		return nil, fmt.Errorf("missing data or type: %w", err)
	}
	body, contentType, err := storage.Encode(req.Type, req.Data, req.Encrypted)
	if err != nil {
		return nil, err
	}
	p := &pendingUpload{req: req, body: body, contentType: contentType}
	c.Set(ctxUpload, p)
	return p, nil
}

func (h *Handler) quoteUpload(c *gin.Context) (float64, error) {
	p, err := h.readUpload(c)
	if err != nil {
		return 0, err
	}
	return h.Pricing.Price(p.sizeBytes()), nil
}

func (h *Handler) handleUpload(c *gin.Context) {
	wallet := c.GetString(auth.ContextWallet)
	log := h.log.With(zap.String("wallet", wallet))

	p, err := h.readUpload(c)
	if err != nil {
		abort(c, http.StatusBadRequest, admission.CodeInvalidRequest, err.Error())
		return
	}
	price := c.GetFloat64(admission.ContextPriceUSD)

	var maxAmount *big.Int
	if amount, err := pricing.AtomicAmount(price, h.Decimals); err == nil {
		maxAmount, _ = new(big.Int).SetString(amount, 10)
	}

	doc := storage.Document{
		Type:      p.req.Type,
		Name:      p.req.Name,
		Encrypted: p.req.Encrypted,
		CipherIV:  p.req.CipherIV,
	}
	res, err := h.Storage.Upload(c.Request.Context(), storage.Upload{
		Data:        p.body,
		ContentType: p.contentType,
		Tags:        doc.Tags(p.contentType),
		MaxAmount:   maxAmount,
	})
	if err != nil {
		log.Error("upload failed", zap.Error(err))
		h.unserved(c, log)
		abort(c, http.StatusInternalServerError, "UPLOAD_FAILED", err.Error())
		return
	}
	h.Metrics.Upload()

	// The ledger is best effort: the document is stored and paid for.
	if h.Recorder != nil {
		if err := h.Recorder.RecordUpload(c.Request.Context(), ledger.Record{
			Wallet:    wallet,
			ContentID: res.ID,
			URL:       res.URL,
			Type:      p.req.Type,
			Encrypted: p.req.Encrypted,
			SizeBytes: p.sizeBytes(),
			CostUSD:   price,
		}); err != nil {
			log.Error("record upload", zap.String("id", res.ID), zap.Error(err))
		}
	}

	log.Info("upload stored", zap.String("id", res.ID), zap.Float64("price_usd", price))
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"id":       res.ID,
		"url":      res.URL,
		"priceUsd": price,
	})
}
