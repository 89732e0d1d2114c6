package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/ledger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func (h *Handler) handleListUploads(c *gin.Context) {
	wallet := c.GetString(auth.ContextWallet)

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset, _ := strconv.Atoi(c.Query("offset"))
	offset = max(offset, 0)

	records, err := h.Records.List(c.Request.Context(), wallet, limit, offset)
	if err != nil {
		h.log.Error("list uploads", zap.String("wallet", wallet), zap.Error(err))
		abort(c, http.StatusInternalServerError, admission.CodeInternal, "could not list uploads")
		return
	}
	total, err := h.Records.Count(c.Request.Context(), wallet)
	if err != nil {
		h.log.Error("count uploads", zap.String("wallet", wallet), zap.Error(err))
		abort(c, http.StatusInternalServerError, admission.CodeInternal, "could not count uploads")
		return
	}

	entries := make([]ledger.Entry, len(records))
	for i, r := range records {
		entries[i] = r.Entry()
	}
	c.JSON(http.StatusOK, gin.H{
		"uploads": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *Handler) handleExport(c *gin.Context) {
	wallet := c.GetString(auth.ContextWallet)
	entries, err := h.Records.Export(c.Request.Context(), wallet)
	if err != nil {
		h.log.Error("export uploads", zap.String("wallet", wallet), zap.Error(err))
		abort(c, http.StatusInternalServerError, admission.CodeInternal, "could not export uploads")
		return
	}

	var buf bytes.Buffer
	contentType, filename := "application/json", "chronicle-uploads.json"
	if c.Query("format") == "csv" {
		contentType, filename = "text/csv", "chronicle-uploads.csv"
		err = ledger.ExportCSV(&buf, entries)
	} else {
		err = ledger.ExportJSON(&buf, entries)
	}
	if err != nil {
		h.log.Error("encode export", zap.String("wallet", wallet), zap.Error(err))
		abort(c, http.StatusInternalServerError, admission.CodeInternal, "could not export uploads")
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func callerOf(c *gin.Context) string {
	if w := c.GetString(auth.ContextWallet); w != "" {
		return w
	}
	return c.GetString(admission.ContextPayer)
}
