package router

import (
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/pipeline"
)

// execute runs the modifier steps configured for the envelope type, then
// the handler. The first failing step halts the pipeline.
func (r *EventRouter) execute(pctx *pipeline.Cargo, handler pipeline.HandlerFunc) error {
	for _, step := range r.pipelines[string(pctx.Envelope.Type)] {
		pctx.Logger.Debug("Executing modifier", slog.String("modifier", step.Name))
		if err := step.Function(pctx, step.Params...); err != nil {
			return fmt.Errorf("modifier '%s': %w", step.Name, err)
		}
	}
	pctx.Logger.Debug("Executing handler")
	return handler(pctx)
}
