package recognition

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/facegate/internal/imagedecode"
)

type structIdentifier interface {
	IdentifyStruct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*structIdentifier)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Identify", Handler: identifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facegate/recognition/v1",
}

func identifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(structIdentifier).IdentifyStruct(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: identifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(structIdentifier).IdentifyStruct(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GrpcService serves a Recognizer over gRPC using the Struct wire format
// understood by GrpcRecognizer.
type GrpcService struct {
	gateway *Gateway
	health  *health.Server
	logger  *slog.Logger
}

// RegisterGrpcService registers the recognition service and a health service on s.
func RegisterGrpcService(s *grpc.Server, recognizer Recognizer, timeout time.Duration, logger *slog.Logger) *GrpcService {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &GrpcService{
		gateway: NewGateway(recognizer, timeout, logger),
		health:  health.NewServer(),
		logger:  logger,
	}
	s.RegisterService(&serviceDesc, svc)
	healthpb.RegisterHealthServer(s, svc.health)
	svc.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return svc
}

// Shutdown marks the service NOT_SERVING.
func (s *GrpcService) Shutdown() {
	s.health.Shutdown()
}

// IdentifyStruct decodes the request image and runs the wrapped recognizer.
func (s *GrpcService) IdentifyStruct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := req.GetFields()["image"].GetStringValue()
	if raw == "" {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image is not base64: %v", err)
	}
	bm, err := imagedecode.DecodeImage(data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image: %v", err)
	}

	res := s.gateway.Identify(ctx, bm)
	switch {
	case res.Canceled():
		return nil, status.Error(codes.Canceled, "request canceled")
	case res.OK():
		return structpb.NewStruct(map[string]any{
			"matched": true,
			"id":      res.Person.ID,
			"name":    res.Person.Name,
		})
	case res.Reason == ReasonTimeout:
		return nil, status.Error(codes.DeadlineExceeded, "recognition timed out")
	default:
		return structpb.NewStruct(map[string]any{
			"matched": false,
			"reason":  string(res.Reason),
		})
	}
}
