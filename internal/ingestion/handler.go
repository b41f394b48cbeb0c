package ingestion

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	httperr "github.com/mediapulse-io/mediapulse/internal/core/errors"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgBodyTooLarge   = "Request body exceeds maximum allowed size"
	msgLoadFailed     = "Failed to load batch"
	msgPartitionFault = "One or more partition slices failed; resubmit the batch"
)

// LoadHandler handles HTTP POST requests carrying a batch of raw
// interaction records as a JSON array.
func (s *Service) LoadHandler(c *gin.Context) {
	records, payloadSize, ok := s.parseBatch(c)
	if !ok {
		return
	}

	slog.Info("Received batch",
		"records", len(records),
		"payload_size", payloadSize)

	result, err := s.pipeline.Load(c.Request.Context(), records)
	if err != nil {
		var fault *storage.PartitionFault
		if errors.As(err, &fault) {
			// Partial failure: the committed slices stay committed, the
			// failed ones are safe to resubmit as-is.
			slog.Warn("Batch load hit partition fault",
				"load_id", result.LoadID,
				"partition", fault.Partition,
				"error", fault.Err)
			c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
				ErrorType: httperr.HttpPartitionFault,
				Message:   msgPartitionFault,
				Details:   result,
				Retryable: true,
			})
			return
		}

		slog.Error("Batch load failed", "load_id", result.LoadID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   msgLoadFailed,
			Details:   result,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// parseBatch reads the capped request body and binds it into a slice of
// raw records. On failure it writes the error response itself and
// reports ok=false.
func (s *Service) parseBatch(c *gin.Context) ([]*v1.RawRecord, int, bool) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   msgReadBodyFailed,
		})
		return nil, 0, false
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		c.JSON(http.StatusRequestEntityTooLarge, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   msgBodyTooLarge,
			Details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		})
		return nil, len(bodyBytes), false
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var records []*v1.RawRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   msgInvalidJSON,
		})
		return nil, len(bodyBytes), false
	}

	return records, len(bodyBytes), true
}
