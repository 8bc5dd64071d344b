package recognition

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
)

const (
	// ServiceName is the gRPC service implementing remote recognition.
	ServiceName    = "facegate.recognition.v1.Recognizer"
	identifyMethod = "/" + ServiceName + "/Identify"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed recognizer response")
)

// GrpcConfig holds configuration for the remote recognizer client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to inject a dialer.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcRecognizer delegates identification to a remote service.
//
// Messages are google.protobuf.Struct values so no generated stubs are needed:
// the request carries width, height, format and a base64 PNG image; the
// response carries matched, id, name and reason.
type GrpcRecognizer struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGrpcRecognizer connects to the recognizer service and waits until the
// connection is ready so a bad endpoint fails at startup.
func NewGrpcRecognizer(cfg GrpcConfig, logger *slog.Logger) (*GrpcRecognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("recognizer address is empty")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to recognizer at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("recognizer at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to recognizer service", "address", cfg.Address)

	return &GrpcRecognizer{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcRecognizer) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks that the remote recognizer reports SERVING.
func (c *GrpcRecognizer) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("recognizer status %s", resp.GetStatus())
	}
	return nil
}

// Identify sends bm to the remote service.
func (c *GrpcRecognizer) Identify(ctx context.Context, bm *imagedecode.Bitmap) (domain.Person, error) {
	encoded, err := imagedecode.EncodePNG(bm)
	if err != nil {
		return domain.Person{}, fmt.Errorf("encode bitmap: %w", err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"width":  bm.Width,
		"height": bm.Height,
		"format": "png",
		"image":  base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return domain.Person{}, fmt.Errorf("build request: %w", err)
	}

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, identifyMethod, req, &resp); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return domain.Person{}, ErrNoMatch
		case codes.DeadlineExceeded:
			return domain.Person{}, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		case codes.Canceled:
			return domain.Person{}, fmt.Errorf("%w: %v", context.Canceled, err)
		}
		return domain.Person{}, fmt.Errorf("identify request failed: %w", err)
	}

	return personFromStruct(&resp)
}

func personFromStruct(s *structpb.Struct) (domain.Person, error) {
	fields := s.GetFields()
	if !fields["matched"].GetBoolValue() {
		if reason := fields["reason"].GetStringValue(); reason != "" && reason != string(ReasonNoMatch) {
			return domain.Person{}, fmt.Errorf("recognizer error: %s", reason)
		}
		return domain.Person{}, ErrNoMatch
	}

	p := domain.Person{
		ID:   fields["id"].GetStringValue(),
		Name: fields["name"].GetStringValue(),
	}
	if !p.Valid() {
		return domain.Person{}, errMalformedResponse
	}
	return p, nil
}
