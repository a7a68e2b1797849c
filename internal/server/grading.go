package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
)

const gradingServiceName = "grading.v1.GradingService"

// GradingServiceServer is the server API for grading.v1.GradingService. Messages are
// google.protobuf.Struct so the service needs no generated code.
type GradingServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportJob(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// GradingServiceDesc describes grading.v1.GradingService for grpc.Server.RegisterService.
var GradingServiceDesc = grpc.ServiceDesc{
	ServiceName: gradingServiceName,
	HandlerType: (*GradingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unaryHandler("SubmitJob", GradingServiceServer.SubmitJob)},
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", GradingServiceServer.GetJob)},
		{MethodName: "ExportJob", Handler: unaryHandler("ExportJob", GradingServiceServer.ExportJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grading/v1/grading.proto",
}

func RegisterGradingServiceServer(s grpc.ServiceRegistrar, srv GradingServiceServer) {
	s.RegisterService(&GradingServiceDesc, srv)
}

func unaryHandler[Resp any](method string, call func(GradingServiceServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + gradingServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		ctx = common.WithRequestID(ctx, requestID(ctx))
		if interceptor == nil {
			return call(srv.(GradingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GradingServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GradingServer implements GradingServiceServer on top of the jobs service.
type GradingServer struct {
	jobs   JobService
	export Exporter
	logger *slog.Logger
}

func NewGradingServer(js JobService, exp Exporter, logger *slog.Logger) *GradingServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GradingServer{jobs: js, export: exp, logger: logger}
}

func (s *GradingServer) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sub, err := submitRequestFromStruct(req)
	if err != nil {
		return nil, common.InvalidArgumentErrorf("submit: %v", err)
	}
	id, err := s.jobs.Submit(ctx, sub)
	if err != nil {
		s.logger.Error("grpc.submit.failed", "request_id", common.RequestIDFromContext(ctx), "pages", len(sub.PageRefs), "err", err)
		return nil, common.ToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		"job_id": id.String(),
		"status": "queued",
	})
}

func (s *GradingServer) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobIDFromStruct(req)
	if err != nil {
		return nil, err
	}
	snap, err := s.jobs.Status(ctx, id)
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	out, err := structpb.NewStruct(snapshotView(snap))
	if err != nil {
		return nil, common.InternalErrorf("encode job: %v", err)
	}
	return out, nil
}

func (s *GradingServer) ExportJob(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	id, err := jobIDFromStruct(req)
	if err != nil {
		return nil, err
	}
	xlsx, err := s.export.JobXLSX(ctx, id)
	if err != nil {
		s.logger.Error("export.xlsx.failed", "request_id", common.RequestIDFromContext(ctx), "job_id", id.String(), "err", err)
		return nil, common.ToGRPCError(err)
	}
	return wrapperspb.Bytes(xlsx), nil
}

func jobIDFromStruct(req *structpb.Struct) (uuid.UUID, error) {
	raw := strings.TrimSpace(req.GetFields()["job_id"].GetStringValue())
	v := common.NewValidator().Field("job_id", raw, common.Required)
	if !v.HasErrors() {
		v.Field("job_id", raw, common.UUID)
	}
	if err := common.ValidateAndReturnError(v); err != nil {
		return uuid.Nil, err
	}
	return uuid.MustParse(raw), nil
}

// requestID takes the caller's x-request-id metadata or mints a new id.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			return strings.TrimSpace(ids[0])
		}
	}
	return uuid.NewString()
}

func submitRequestFromStruct(req *structpb.Struct) (jobs.SubmitRequest, error) {
	var out jobs.SubmitRequest
	fields := req.GetFields()
	refs, ok := fields["page_refs"]
	if !ok || refs.GetListValue() == nil {
		return out, fmt.Errorf("page_refs must be a list of strings")
	}
	for i, v := range refs.GetListValue().GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return out, fmt.Errorf("page_refs[%d] must be a string", i)
		}
		out.PageRefs = append(out.PageRefs, sv.StringValue)
	}
	if v, ok := fields["time_limit_ms"]; ok {
		out.TimeLimit = time.Duration(v.GetNumberValue()) * time.Millisecond
	}
	if v, ok := fields["cost_units"]; ok {
		out.CostUnits = int64(v.GetNumberValue())
	}
	return out, nil
}

// GradingClient is a thin client for grading.v1.GradingService.
type GradingClient struct {
	cc grpc.ClientConnInterface
}

func NewGradingClient(cc grpc.ClientConnInterface) *GradingClient {
	return &GradingClient{cc: cc}
}

func (c *GradingClient) SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+gradingServiceName+"/SubmitJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GradingClient) GetJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+gradingServiceName+"/GetJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GradingClient) ExportJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+gradingServiceName+"/ExportJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
