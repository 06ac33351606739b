package tasks

import (
	"context"

	"github.com/ItsAzM8/himmelblau/internal/ipc"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// Service adapts a Provisioner to the tasks-socket IPC protocol. It runs
// in the privileged himmelblaud-tasks process; the socket it serves is
// root-only, so only the broker can reach it, never a shim.
type Service struct {
	provisioner *Provisioner
	log         *log.PrefixLogger
}

func NewService(provisioner *Provisioner, logger *log.PrefixLogger) *Service {
	return &Service{provisioner: provisioner, log: logger}
}

func (s *Service) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	if req.Principal == nil {
		return &ipc.Response{Result: ipc.ResultProtocolError, Message: "missing principal"}
	}

	switch req.Op {
	case ipc.OpProvision:
		if err := s.provisioner.Provision(ctx, *req.Principal, req.Record, req.Groups); err != nil {
			s.log.Errorf("Provisioning %s: %v", req.Principal, err)
			return provisionErrorResponse(err)
		}
	case ipc.OpApplyPolicies:
		if err := s.provisioner.ApplyPolicies(ctx, *req.Principal, req.Record, req.Policies); err != nil {
			s.log.Errorf("Applying policies for %s: %v", req.Principal, err)
			return provisionErrorResponse(err)
		}
	default:
		return &ipc.Response{Result: ipc.ResultProtocolError, Message: "unsupported operation"}
	}
	return &ipc.Response{Result: ipc.ResultSuccess}
}
