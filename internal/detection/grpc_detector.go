package detection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"edgecam/internal/pipeline"
)

const (
	// DetectionService is the gRPC service name served by the inference host
	DetectionService = "edgecam.detection.v1.DetectionService"
	// DetectMethod takes a JPEG as google.protobuf.BytesValue and answers with a
	// google.protobuf.Struct holding a "detections" list
	DetectMethod = "/" + DetectionService + "/Detect"

	confThresholdKey = "x-conf-threshold"
)

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint      string
	ConfThreshold float64
	// DialOptions are appended to the defaults, tests use them to inject a dialer
	DialOptions []grpc.DialOption
}

// GRPCDetector performs unary detection calls against a gRPC inference host
type GRPCDetector struct {
	endpoint      string
	confThreshold float64
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	logger        *zap.SugaredLogger
}

// NewGRPCDetector creates the client connection. The connection is lazy, so an
// unreachable host surfaces on the first call rather than here.
func NewGRPCDetector(cfg GRPCDetectorConfig, logger *zap.SugaredLogger) (*GRPCDetector, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection client: %w", err)
	}

	logger.Infow("gRPC detector configured", "endpoint", cfg.Endpoint)
	return &GRPCDetector{
		endpoint:      cfg.Endpoint,
		confThreshold: cfg.ConfThreshold,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		logger:        logger,
	}, nil
}

func (gd *GRPCDetector) Name() string {
	return "yolo-grpc"
}

// CheckHealth asks the standard gRPC health service about DetectionService
func (gd *GRPCDetector) CheckHealth(ctx context.Context) error {
	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectionService})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("detection service is %s", resp.GetStatus())
	}
	return nil
}

// Detect sends one image and converts the returned detections
func (gd *GRPCDetector) Detect(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	if gd.confThreshold > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, confThresholdKey, strconv.FormatFloat(gd.confThreshold, 'f', 3, 64))
	}

	var resp structpb.Struct
	if err := gd.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(image), &resp); err != nil {
		if status.Code(err) == codes.DeadlineExceeded && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("detect call failed: %w", err)
	}
	return DetectionsFromStruct(&resp)
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	return gd.conn.Close()
}

// DetectionsFromStruct reads {"detections": [{"class_name", "confidence",
// "bbox": {"x1","y1","x2","y2"}}]}
func DetectionsFromStruct(s *structpb.Struct) ([]pipeline.Detection, error) {
	list := s.GetFields()["detections"].GetListValue()
	out := make([]pipeline.Detection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		d := v.GetStructValue()
		if d == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		f := d.GetFields()
		label := f["class_name"].GetStringValue()
		if label == "" {
			return nil, fmt.Errorf("detection %d has no class_name", i)
		}
		bbox := f["bbox"].GetStructValue().GetFields()
		out = append(out, pipeline.Detection{
			Label: label,
			Score: f["confidence"].GetNumberValue(),
			Box: pipeline.BBox{
				X1: bbox["x1"].GetNumberValue(),
				Y1: bbox["y1"].GetNumberValue(),
				X2: bbox["x2"].GetNumberValue(),
				Y2: bbox["y2"].GetNumberValue(),
			},
		})
	}
	return out, nil
}

// DetectionsToStruct is the inverse of DetectionsFromStruct
func DetectionsToStruct(dets []pipeline.Detection) (*structpb.Struct, error) {
	items := make([]any, 0, len(dets))
	for _, d := range dets {
		items = append(items, map[string]any{
			"class_name": d.Label,
			"confidence": d.Score,
			"bbox": map[string]any{
				"x1": d.Box.X1,
				"y1": d.Box.Y1,
				"x2": d.Box.X2,
				"y2": d.Box.Y2,
			},
		})
	}
	return structpb.NewStruct(map[string]any{"detections": items})
}

var (
	_ pipeline.Detector      = (*GRPCDetector)(nil)
	_ pipeline.HealthChecker = (*GRPCDetector)(nil)
)
