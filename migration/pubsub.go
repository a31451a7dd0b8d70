package migration

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/workflow"
)

const runHandlerName = "eboekhouden-run"

// PushHandler executes queued runs delivered by a Pub/Sub push subscription.
// Malformed messages are acked. A business that is already running gets its message
// back later; a finished run, successful or not, is acked.
func (s *Service) PushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.PushEndpointEnabled() {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var msg config.RunMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if msg.Validate() != nil {
			c.Status(http.StatusNoContent)
			return
		}
		messageId := envelope.Message.ID
		if messageId == "" {
			// No id to deduplicate on; the run status still guards re-execution.
			messageId = "run-" + strconv.FormatUint(uint64(msg.RunId), 10)
		}

		ctx := c.Request.Context()
		skip, err := s.Messages.BeginMessage(ctx, msg.BusinessId, runHandlerName, messageId)
		if errors.Is(err, host.ErrMessageInProgress) {
			c.Status(http.StatusTooManyRequests)
			return
		} else if err != nil {
			s.logError("PushHandler", "begin message", msg, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		run, err := s.Execute(ctx, msg)
		requeue := run == nil && err != nil && !errors.Is(err, host.ErrNotFound)
		var cause error
		if requeue {
			cause = err
		}
		if ferr := s.Messages.FinishMessage(ctx, msg.BusinessId, runHandlerName, messageId, cause); ferr != nil {
			s.logError("PushHandler", "finish message", msg, ferr)
		}

		switch {
		case run == nil && errors.Is(err, workflow.ErrRunInProgress):
			s.Logger.WithFields(logrus.Fields{
				"business_id": msg.BusinessId,
				"run_id":      msg.RunId,
			}).Info("another run holds the business lock, message will be redelivered")
			c.Status(http.StatusTooManyRequests)
		case requeue:
			s.logError("PushHandler", "execute run", msg, err)
			c.Status(http.StatusInternalServerError)
		default:
			c.Status(http.StatusNoContent)
		}
	}
}
