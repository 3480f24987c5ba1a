package router

import (
	"errors"
	"log/slog"

	"github.com/a-essam23/go-collab/internal/engine"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
)

// fail reports a halted pipeline to the client. Rejections keep their code
// and message; anything else is logged and surfaced as an internal error.
func (r *EventRouter) fail(pctx *pipeline.Cargo, err error) {
	var rejected *engine.RejectError
	if errors.As(err, &rejected) {
		pctx.Logger.Info("Request rejected", slog.String("code", rejected.Code), slog.String("reason", rejected.Message))
		r.replyError(pctx.Connection, pctx.Envelope.RequestID, rejected.Code, rejected.Message)
		return
	}
	pctx.Logger.Error("Pipeline failed", slog.Any("error", err))
	r.replyError(pctx.Connection, pctx.Envelope.RequestID, protocol.ErrorCodeInternal, "request failed")
}

func (r *EventRouter) replyError(conn *state.Connection, requestID, code, message string) {
	env := engine.ErrorEnvelope(code, message)
	env.RequestID = requestID
	raw, err := env.Encode()
	if err != nil {
		r.logger.Error("Failed to encode error envelope", slog.Any("error", err))
		return
	}
	if err := conn.Transport.Send(raw); err != nil {
		r.logger.Debug("Could not deliver error envelope", slog.Any("error", err))
	}
}
