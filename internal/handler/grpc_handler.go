package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/service"
)

// WorkflowServiceName is the fully qualified gRPC service name.
const WorkflowServiceName = "mfgworkflow.v1.WorkflowService"

// metadataUserID carries the caller's id on gRPC requests.
const metadataUserID = "x-user-id"

// WorkflowServer is the gRPC surface. Messages are google.protobuf.Struct
// documents shaped like the REST bodies.
type WorkflowServer interface {
	CreateApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitApprovalDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AutoExpireOverdueApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPendingApprovalsForUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStageApprovalStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransitionStage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// WorkflowServiceDesc describes WorkflowServer for grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateApproval", WorkflowServer.CreateApproval),
		unary("GetApproval", WorkflowServer.GetApproval),
		unary("SubmitApprovalDecision", WorkflowServer.SubmitApprovalDecision),
		unary("AutoExpireOverdueApprovals", WorkflowServer.AutoExpireOverdueApprovals),
		unary("GetPendingApprovalsForUser", WorkflowServer.GetPendingApprovalsForUser),
		unary("GetStageApprovalStatus", WorkflowServer.GetStageApprovalStatus),
		unary("TransitionStage", WorkflowServer.TransitionStage),
	},
	Streams: []grpc.StreamDesc{},
}

func unary(name string, call func(WorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(WorkflowServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + WorkflowServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterWorkflowServer registers srv on s.
func RegisterWorkflowServer(s grpc.ServiceRegistrar, srv WorkflowServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}

type actorKey struct{}

// ActorInterceptor lifts the x-user-id metadata entry into the request
// context.
func ActorInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(metadataUserID); len(ids) > 0 {
			if id := strings.TrimSpace(ids[0]); id != "" {
				ctx = context.WithValue(ctx, actorKey{}, id)
			}
		}
	}
	return handler(ctx, req)
}

func actorFromContext(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", status.Error(codes.Unauthenticated, metadataUserID+" metadata is required")
}

// GRPCHandler implements WorkflowServer on top of the workflow services.
type GRPCHandler struct {
	engine      *service.ApprovalEngine
	transitions *service.TransitionService
	log         *logger.Logger
}

var _ WorkflowServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, transitions *service.TransitionService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:      engine,
		transitions: transitions,
		log:         log.Component("grpc"),
	}
}

// CreateApproval creates an approval requested by the caller.
func (h *GRPCHandler) CreateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var body createApprovalBody
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}

	h.log.Info().
		Str("approval_type", body.ApprovalType).
		Str("entity_id", body.EntityID).
		Msg("gRPC CreateApproval called")

	a, err := h.engine.CreateApproval(ctx, &service.CreateApprovalRequest{
		OrganizationID:  body.OrganizationID,
		ApprovalType:    body.ApprovalType,
		Entity:          repository.EntityRef{Kind: repository.EntityKind(body.EntityType), ID: body.EntityID},
		Title:           body.Title,
		Description:     body.Description,
		ApproverID:      body.ApproverID,
		ApproverRole:    body.ApproverRole,
		Priority:        body.Priority,
		DueDate:         body.DueDate,
		RequestedBy:     actor,
		RequestReason:   body.RequestReason,
		RequestMetadata: body.RequestMetadata,
		StageID:         body.StageID,
		StepNumber:      body.StepNumber,
		TotalSteps:      body.TotalSteps,
	})
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(a)
}

// GetApproval returns one approval by approval_id.
func (h *GRPCHandler) GetApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, err := h.engine.GetApproval(ctx, stringField(req, "approval_id"))
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(a)
}

// SubmitApprovalDecision records the caller's decision.
func (h *GRPCHandler) SubmitApprovalDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		ApprovalID string `json:"approval_id"`
		decisionBody
	}
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}

	a, err := h.engine.SubmitDecision(ctx, &service.DecisionRequest{
		ApprovalID: body.ApprovalID,
		ActorID:    actor,
		Decision:   repository.Decision(strings.ToLower(body.Decision)),
		Comments:   body.Comments,
		Reason:     body.Reason,
		Metadata:   body.Metadata,
	})
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]any{"success": true, "approval": a})
}

// AutoExpireOverdueApprovals runs one expiry pass. The caller needs the
// workflow admin permission in organization_id.
func (h *GRPCHandler) AutoExpireOverdueApprovals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.engine.RequirePermission(ctx, stringField(req, "organization_id"), actor, service.ResourceWorkflow, service.ActionAdmin); err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	n, err := h.engine.AutoExpireOverdueApprovals(ctx)
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]int{"expired": n})
}

// GetPendingApprovalsForUser lists the user's approval inbox.
func (h *GRPCHandler) GetPendingApprovalsForUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	items, err := h.engine.PendingApprovalsFor(ctx, stringField(req, "organization_id"), actor, stringField(req, "user_id"))
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	if items == nil {
		items = []*service.PendingApproval{}
	}
	return encodeStruct(map[string]any{"approvals": items, "total": len(items)})
}

// GetStageApprovalStatus summarizes a stage's role approvals.
func (h *GRPCHandler) GetStageApprovalStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	summary, err := h.engine.StageApprovalStatus(ctx, stringField(req, "project_id"), stringField(req, "stage_id"))
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(summary)
}

// TransitionStage moves a project to target_stage_id. A blocked transition
// is a normal response with success=false.
func (h *GRPCHandler) TransitionStage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		ProjectID string `json:"project_id"`
		transitionBody
	}
	if err := decodeStruct(req, &body); err != nil {
		return nil, err
	}

	treq := &service.TransitionRequest{
		ProjectID:     body.ProjectID,
		TargetStageID: body.TargetStageID,
		ActorID:       actor,
		Reason:        body.Reason,
		BypassReason:  body.BypassReason,
	}
	if body.EstimatedDuration != "" {
		d, err := time.ParseDuration(body.EstimatedDuration)
		if err != nil || d <= 0 {
			return nil, status.Error(codes.InvalidArgument, "estimated_duration must be a positive duration such as 72h")
		}
		treq.EstimatedDuration = &d
	}

	result, err := h.transitions.TransitionStage(ctx, treq)
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return encodeStruct(result)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func (h *GRPCHandler) mapErrorToGRPC(err error) error {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeUnauthorized, errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	}
	h.log.Error().Err(err).Msg("gRPC request failed")
	return status.Error(codes.Internal, "internal error")
}
