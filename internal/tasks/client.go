package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
)

// Client is the broker-side handle to the tasks process.
type Client struct {
	ipc *ipc.Client
}

func NewClient(socketPath string) *Client {
	return &Client{ipc: ipc.NewClient(socketPath)}
}

// Provision asks the tasks process to perform login side effects. Errors
// are surfaced to the caller but never revoke an authentication result
// that was already granted.
func (c *Client) Provision(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, groups []identity.GroupRecord) error {
	resp, err := c.ipc.Do(ctx, &ipc.Request{
		Op:        ipc.OpProvision,
		Principal: &principal,
		Record:    record,
		Groups:    groups,
	})
	if err != nil {
		return fmt.Errorf("%w: reaching tasks process: %v", brokererrors.ErrFilesystem, err)
	}

	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: %s", err, resp.Message)
	}
	return nil
}

// ApplyPolicies hands the principal's resolved policy bundle to the tasks
// process for privileged application.
func (c *Client) ApplyPolicies(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, policies []identity.Policy) error {
	resp, err := c.ipc.Do(ctx, &ipc.Request{
		Op:        ipc.OpApplyPolicies,
		Principal: &principal,
		Record:    record,
		Policies:  policies,
	})
	if err != nil {
		return fmt.Errorf("%w: reaching tasks process: %v", brokererrors.ErrFilesystem, err)
	}

	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: %s", err, resp.Message)
	}
	return nil
}

// provisionErrorResponse maps provisioner errors onto the wire taxonomy.
func provisionErrorResponse(err error) *ipc.Response {
	result := ipc.ResultFilesystemError
	if errors.Is(err, brokererrors.ErrPermissionDenied) {
		result = ipc.ResultPermissionDenied
	}
	return &ipc.Response{Result: result, Message: err.Error()}
}
