package api

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/populator/internal/core/auth"
)

// Full method names of the Populator service.
const (
	ServiceName          = "populator.v1.Populator"
	PopulateMethod       = "/" + ServiceName + "/Populate"
	ListRuleSetsMethod   = "/" + ServiceName + "/ListRuleSets"
	ReloadRuleSetsMethod = "/" + ServiceName + "/ReloadRuleSets"
)

// PopulatorServer is the gRPC surface. Messages are google.protobuf.Struct
// values carrying the same JSON documents as the HTTP API.
type PopulatorServer interface {
	Populate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRuleSets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReloadRuleSets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc registers a PopulatorServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PopulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Populate", Handler: unaryHandler(PopulateMethod, PopulatorServer.Populate)},
		{MethodName: "ListRuleSets", Handler: unaryHandler(ListRuleSetsMethod, PopulatorServer.ListRuleSets)},
		{MethodName: "ReloadRuleSets", Handler: unaryHandler(ReloadRuleSetsMethod, PopulatorServer.ReloadRuleSets)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "populator/v1/populator.proto",
}

type structMethod func(PopulatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PopulatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PopulatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCService adapts PopulateService to PopulatorServer. The tenant comes
// from the auth interceptor.
type GRPCService struct {
	svc *PopulateService
}

// NewGRPCService wraps svc.
func NewGRPCService(svc *PopulateService) (*GRPCService, error) {
	if svc == nil {
		return nil, fmt.Errorf("svc cannot be nil")
	}
	return &GRPCService{svc: svc}, nil
}

func (g *GRPCService) Populate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		return nil, status.Error(codes.Internal, "missing tenant_id in context")
	}

	var req PopulateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := g.svc.Populate(ctx, tenantID, &req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (g *GRPCService) ListRuleSets(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		return nil, status.Error(codes.Internal, "missing tenant_id in context")
	}

	resp, err := g.svc.RuleSets(ctx, tenantID)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (g *GRPCService) ReloadRuleSets(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		return nil, status.Error(codes.Internal, "missing tenant_id in context")
	}

	g.svc.Reload(tenantID)
	return structpb.NewStruct(map[string]any{"reloaded": true})
}

// fromStruct decodes a Struct message into a request type through its JSON form.
func fromStruct(in *structpb.Struct, out any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// toStruct encodes a response type as a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
