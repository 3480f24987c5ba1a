package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
)

// newRequiresModifier halts the pipeline unless the user holds every named
// permission.
func newRequiresModifier(perms *config.PermissionRegistry) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) == 0 {
			return errors.New("'requires' modifier needs at least one permission name")
		}
		needed, err := perms.Compile(params)
		if err != nil {
			return fmt.Errorf("'requires' modifier: %w", err)
		}
		if pctx.User == nil || !pctx.User.Permissions.Has(needed) {
			return reject(protocol.ErrorCodeForbidden, "%s requires %s", pctx.Envelope.Type, strings.Join(params, ", "))
		}
		return nil
	}
}

type rateLimitState struct {
	Requests int
}

func parseRate(spec string) (int, time.Duration, error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", spec)
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	switch strings.ToLower(parts[1]) {
	case "s":
		return limit, time.Second, nil
	case "m":
		return limit, time.Minute, nil
	case "h":
		return limit, time.Hour, nil
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
}

// newRateLimitModifier allows N requests per user and envelope type in a
// fixed window, e.g. '10/s'.
func newRateLimitModifier(logger *slog.Logger) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, window, err := parseRate(params[0])
		if err != nil {
			return err
		}

		const modifierName = "rate_limit"
		userID := pctx.User.ID
		eventName := string(pctx.Envelope.Type)
		sm := pctx.StateManager

		st, created := sm.LoadOrCreateModifierState(modifierName, userID, eventName, func() *state.ModifierState {
			return &state.ModifierState{Value: &rateLimitState{}}
		})
		st.Mu.Lock()
		defer st.Mu.Unlock()

		if created {
			st.Timer = time.AfterFunc(window, func() {
				logger.Debug("Auto-cleaning expired rate_limit state", slog.String("user", userID), slog.String("event", eventName))
				sm.DeleteModifierState(modifierName, userID, eventName)
			})
		}

		current := st.Value.(*rateLimitState)
		if current.Requests < limit {
			current.Requests++
			return nil
		}
		return reject(protocol.ErrorCodeRateLimited, "rate limit for '%s' exceeded", eventName)
	}
}
