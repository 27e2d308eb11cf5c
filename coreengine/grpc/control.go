// Package grpc serves the handoffcore.v1.Control service: the RPC surface
// for starting workflows, submitting worker completions and resolving
// human approvals.
package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// ServiceName is the fully qualified Control service name.
const ServiceName = "handoffcore.v1.Control"

const (
	methodStartWorkflow    = "/" + ServiceName + "/StartWorkflow"
	methodSubmitCompletion = "/" + ServiceName + "/SubmitCompletion"
	methodResolveApproval  = "/" + ServiceName + "/ResolveApproval"
	methodGetWorkflow      = "/" + ServiceName + "/GetWorkflow"
	methodCancelWorkflow   = "/" + ServiceName + "/CancelWorkflow"
)

// =============================================================================
// Messages
// =============================================================================

// StartWorkflowRequest creates a workflow and runs its planning task.
type StartWorkflowRequest struct {
	kernel.CreateRequest
}

// SubmitCompletionRequest carries a completion message from a worker.
type SubmitCompletionRequest struct {
	Packet handoff.Packet `json:"packet"`
}

// ResolveApprovalRequest answers a workflow's pending approval. Decision is
// "APPROVE", "CHANGES:<feedback>" or "REJECT:<reason>".
type ResolveApprovalRequest struct {
	WorkflowID string `json:"workflow_id"`
	Decision   string `json:"decision"`
	Approver   string `json:"approver,omitempty"`
}

// GetWorkflowRequest names a workflow.
type GetWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// CancelWorkflowRequest fails a workflow.
type CancelWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

// WorkflowReply returns a workflow snapshot.
type WorkflowReply struct {
	Workflow *kernel.Workflow `json:"workflow"`
}

// TransitionReply reports what a completion or decision did.
type TransitionReply struct {
	Transition *kernel.Transition `json:"transition"`
}

// CancelWorkflowReply acknowledges a cancellation.
type CancelWorkflowReply struct {
	WorkflowID string       `json:"workflow_id"`
	Phase      kernel.Phase `json:"phase"`
}

// =============================================================================
// Server
// =============================================================================

// Dispatcher is the part of kernel.Dispatcher the Control service drives.
type Dispatcher interface {
	Start(ctx context.Context, req kernel.CreateRequest) (*kernel.Workflow, error)
	Submit(ctx context.Context, p handoff.Packet) (*kernel.Transition, error)
	Resolve(ctx context.Context, workflowID string, dec kernel.Decision) (*kernel.Transition, error)
	Get(ctx context.Context, workflowID string) (*kernel.Workflow, error)
	Cancel(ctx context.Context, workflowID, reason string) error
}

// ControlServer implements the Control service over a Dispatcher.
type ControlServer struct {
	dispatcher Dispatcher
	logger     observability.Logger
}

// NewControlServer creates a ControlServer.
func NewControlServer(d Dispatcher, logger observability.Logger) *ControlServer {
	return &ControlServer{dispatcher: d, logger: observability.OrNop(logger)}
}

// StartWorkflow creates a workflow and starts its planning task.
func (s *ControlServer) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*WorkflowReply, error) {
	if err := validateRequired(req.Instructions, "instructions"); err != nil {
		return nil, err
	}
	wf, err := s.dispatcher.Start(ctx, req.CreateRequest)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("workflow_started_via_grpc", "workflow_id", wf.ID)
	return &WorkflowReply{Workflow: wf}, nil
}

// SubmitCompletion hands a worker's completion message to the dispatcher.
func (s *ControlServer) SubmitCompletion(ctx context.Context, req *SubmitCompletionRequest) (*TransitionReply, error) {
	if err := validateRequired(req.Packet.WorkflowID, "packet.workflow_id"); err != nil {
		return nil, err
	}
	tr, err := s.dispatcher.Submit(ctx, req.Packet)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TransitionReply{Transition: tr}, nil
}

// ResolveApproval applies a human decision.
func (s *ControlServer) ResolveApproval(ctx context.Context, req *ResolveApprovalRequest) (*TransitionReply, error) {
	if err := validateRequired(req.WorkflowID, "workflow_id"); err != nil {
		return nil, err
	}
	dec, err := kernel.ParseDecision(req.Decision)
	if err != nil {
		return nil, toStatus(err)
	}
	dec.Approver = req.Approver
	tr, err := s.dispatcher.Resolve(ctx, req.WorkflowID, dec)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TransitionReply{Transition: tr}, nil
}

// GetWorkflow returns a workflow snapshot.
func (s *ControlServer) GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*WorkflowReply, error) {
	if err := validateRequired(req.WorkflowID, "workflow_id"); err != nil {
		return nil, err
	}
	wf, err := s.dispatcher.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WorkflowReply{Workflow: wf}, nil
}

// CancelWorkflow fails a workflow.
func (s *ControlServer) CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) (*CancelWorkflowReply, error) {
	if err := validateRequired(req.WorkflowID, "workflow_id"); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Cancel(ctx, req.WorkflowID, req.Reason); err != nil {
		return nil, toStatus(err)
	}
	return &CancelWorkflowReply{WorkflowID: req.WorkflowID, Phase: kernel.PhaseFailed}, nil
}

// =============================================================================
// Service descriptor
// =============================================================================

// unaryHandler adapts a typed ControlServer method to grpc.MethodDesc.
func unaryHandler[Req, Resp any](method string, call func(*ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*ControlServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

// ControlServiceDesc describes the Control service for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartWorkflow", Handler: unaryHandler(methodStartWorkflow, (*ControlServer).StartWorkflow)},
		{MethodName: "SubmitCompletion", Handler: unaryHandler(methodSubmitCompletion, (*ControlServer).SubmitCompletion)},
		{MethodName: "ResolveApproval", Handler: unaryHandler(methodResolveApproval, (*ControlServer).ResolveApproval)},
		{MethodName: "GetWorkflow", Handler: unaryHandler(methodGetWorkflow, (*ControlServer).GetWorkflow)},
		{MethodName: "CancelWorkflow", Handler: unaryHandler(methodCancelWorkflow, (*ControlServer).CancelWorkflow)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handoffcore/v1/control",
}

// RegisterControlServer registers s on r.
func RegisterControlServer(r grpc.ServiceRegistrar, s *ControlServer) {
	r.RegisterService(&ControlServiceDesc, s)
}

// =============================================================================
// Client
// =============================================================================

// ControlClient calls the Control service with the JSON codec.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a client connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartWorkflow calls Control.StartWorkflow.
func (c *ControlClient) StartWorkflow(ctx context.Context, in *StartWorkflowRequest, opts ...grpc.CallOption) (*WorkflowReply, error) {
	return invoke[WorkflowReply](ctx, c.cc, methodStartWorkflow, in, opts)
}

// SubmitCompletion calls Control.SubmitCompletion.
func (c *ControlClient) SubmitCompletion(ctx context.Context, in *SubmitCompletionRequest, opts ...grpc.CallOption) (*TransitionReply, error) {
	return invoke[TransitionReply](ctx, c.cc, methodSubmitCompletion, in, opts)
}

// ResolveApproval calls Control.ResolveApproval.
func (c *ControlClient) ResolveApproval(ctx context.Context, in *ResolveApprovalRequest, opts ...grpc.CallOption) (*TransitionReply, error) {
	return invoke[TransitionReply](ctx, c.cc, methodResolveApproval, in, opts)
}

// GetWorkflow calls Control.GetWorkflow.
func (c *ControlClient) GetWorkflow(ctx context.Context, in *GetWorkflowRequest, opts ...grpc.CallOption) (*WorkflowReply, error) {
	return invoke[WorkflowReply](ctx, c.cc, methodGetWorkflow, in, opts)
}

// CancelWorkflow calls Control.CancelWorkflow.
func (c *ControlClient) CancelWorkflow(ctx context.Context, in *CancelWorkflowRequest, opts ...grpc.CallOption) (*CancelWorkflowReply, error) {
	return invoke[CancelWorkflowReply](ctx, c.cc, methodCancelWorkflow, in, opts)
}
