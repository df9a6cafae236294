package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
)

// defaultStatusPollInterval bounds how stale the stream can be when the
// request is advanced by a driver in another process.
const defaultStatusPollInterval = 2 * time.Second

// StreamIssuanceStatus pushes the request's status as server-sent events
// until it reaches a terminal state or the client goes away.
func (s *Server) StreamIssuanceStatus(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("request_id"))
	if requestID == "" {
		AbortWithError(c, newValidationError("request_id", "invalid_request_id", "invalid request_id"))
		return
	}

	ctx := c.Request.Context()
	status, err := s.issuanceSvc.GetIssuanceStatus(ctx, requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var transitions <-chan liveevents.TransitionEvent
	if s.liveEvents != nil {
		subscription, _, err := s.liveEvents.Subscribe(requestID)
		if err == nil {
			defer subscription.Close()
			transitions = subscription.Events()
		}
	}

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	if err := writeIssuanceStatus(writer, status); err != nil {
		return
	}
	flusher.Flush()
	if !status.Processing {
		return
	}

	poll := time.NewTicker(s.statusPoll)
	defer poll.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-transitions:
		case <-poll.C:
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		next, err := s.issuanceSvc.GetIssuanceStatus(ctx, requestID)
		if err != nil {
			return
		}
		if next.State != status.State {
			if err := writeIssuanceStatus(writer, next); err != nil {
				return
			}
			flusher.Flush()
			status = next
		}
		if !status.Processing {
			return
		}
	}
}

func writeIssuanceStatus(w io.Writer, status issuancedomain.IssuanceStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
