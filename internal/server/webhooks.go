package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/botbilling/internal/processor"
	webhookdomain "github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

type webhookResponse struct {
	EventID          string `json:"event_id"`
	Status           string `json:"status"`
	ProcessingStatus string `json:"processing_status,omitempty"`
}

// ReceiveWebhook accepts one provider delivery. Accepted and duplicate deliveries both
// answer 2xx so the provider stops retrying; processing failures are retried internally.
func (s *Server) ReceiveWebhook(c *gin.Context) {
	if res := s.limiter.AllowProvider(c.Request.Context(), c.Param("provider")); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		AbortWithError(c, ErrRateLimited)
		return
	}

	limit := s.cfg.Webhook.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.events.Ingest(c.Request.Context(), processor.IngestRequest{
		Provider:  c.Param("provider"),
		Payload:   body,
		Signature: c.GetHeader(s.cfg.Webhook.SignatureHeader),
		Timestamp: c.GetHeader(s.cfg.Webhook.TimestampHeader),
		Headers:   flattenHeaders(c.Request.Header, s.cfg.Webhook.SignatureHeader),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := webhookResponse{Status: "accepted"}
	if result.Event != nil {
		resp.EventID = result.Event.ExternalEventID
		resp.ProcessingStatus = string(result.Event.ProcessingStatus)
	}
	if result.Duplicate {
		resp.Status = "duplicate"
		c.JSON(http.StatusOK, resp)
		return
	}
	if result.Event != nil && result.Event.ProcessingStatus == webhookdomain.StatusProcessed {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

type replayResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// ReplayEvent requeues an exhausted event and processes it immediately.
func (s *Server) ReplayEvent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, newValidationError("id", "required", "event id is required"))
		return
	}

	err := s.events.Replay(c.Request.Context(), id)
	var handlerErr *processor.HandlerError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, replayResponse{EventID: id, Status: string(webhookdomain.StatusProcessed)})
	case errors.As(err, &handlerErr):
		s.log.Warn("replayed event failed again", zap.String("external_event_id", id), zap.Error(err))
		c.JSON(http.StatusAccepted, replayResponse{
			EventID: id,
			Status:  string(webhookdomain.StatusError),
			Error:   handlerErr.Err.Error(),
		})
	default:
		AbortWithError(c, err)
	}
}

// flattenHeaders keeps the first value of each header for the audit copy of the
// delivery. The signature header is left out.
func flattenHeaders(header http.Header, skip string) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 || strings.EqualFold(key, skip) {
			continue
		}
		out[key] = values[0]
	}
	return out
}
