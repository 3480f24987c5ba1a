package collab

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/protocol"
)

// AcquireEditLock asks the server for an edit lock on a resource section.
// A missing response yields a failed result with protocol.ErrTimedOut.
func (c *Client) AcquireEditLock(ctx context.Context, resourceType, resourceID, sectionID string) protocol.LockResult {
	env, err := protocol.NewEnvelope(protocol.TypeLockAcquire, resourceType, resourceID, protocol.LockRequest{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SectionID:    sectionID,
	})
	if err != nil {
		return protocol.LockResult{Error: err.Error()}
	}

	resp, err := c.request(ctx, env)
	if err != nil {
		return protocol.LockResult{Error: requestError(err)}
	}
	var result protocol.LockResult
	if err := resp.DecodeData(&result); err != nil {
		c.logger.Warn("Malformed lock response", slog.Any("error", err))
		return protocol.LockResult{Error: err.Error()}
	}
	return result
}

// ReleaseEditLock is fire-and-forget; it reports only whether the release
// was sent.
func (c *Client) ReleaseEditLock(ctx context.Context, resourceType, resourceID, sectionID string) bool {
	if c.current() == nil {
		return false
	}
	return c.sendEnvelope(protocol.TypeLockRelease, resourceType, resourceID, protocol.LockRequest{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SectionID:    sectionID,
	})
}

// SubmitOperation sends op for the server to transform against everything
// applied after version. A missing response yields a failed result with
// protocol.ErrTimedOut.
func (c *Client) SubmitOperation(ctx context.Context, op ot.Operation, resourceType, resourceID string, version int) protocol.OperationResult {
	env, err := protocol.NewEnvelope(protocol.TypeOperationSubmit, resourceType, resourceID, protocol.OperationSubmit{
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Version:      version,
	})
	if err != nil {
		return protocol.OperationResult{Error: err.Error()}
	}

	resp, err := c.request(ctx, env)
	if err != nil {
		return protocol.OperationResult{Error: requestError(err)}
	}
	var result protocol.OperationResult
	if err := resp.DecodeData(&result); err != nil {
		c.logger.Warn("Malformed operation response", slog.Any("error", err))
		return protocol.OperationResult{Error: err.Error()}
	}
	return result
}

func requestError(err error) string {
	if errors.Is(err, ErrRequestTimeout) {
		return protocol.ErrTimedOut
	}
	return err.Error()
}
