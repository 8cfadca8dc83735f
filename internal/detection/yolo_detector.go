// Package detection provides clients for remote object-detection services.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"edgecam/internal/pipeline"
)

// healthCacheTTL is how long a successful health probe is trusted
const healthCacheTTL = 30 * time.Second

// YOLODetector calls a YOLO inference service over HTTP multipart
type YOLODetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64
	classesFilter string

	mu          sync.RWMutex
	healthCheck time.Time
	now         func() time.Time
}

// YOLODetection is a single detection in the service response
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult is the /detect response body
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// YOLOHealthResponse is the /health response body
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// NewYOLODetector creates an HTTP detector. confThreshold is sent with every
// request so the service can drop low scores early; zero leaves the choice to
// the service.
func NewYOLODetector(endpoint string, confThreshold float64, classesFilter string) *YOLODetector {
	return &YOLODetector{
		endpoint:      endpoint,
		client:        &http.Client{},
		confThreshold: confThreshold,
		classesFilter: classesFilter,
		now:           time.Now,
	}
}

func (yd *YOLODetector) Name() string {
	return "yolo-http"
}

// CheckHealth probes /health. A healthy answer is cached for healthCacheTTL.
func (yd *YOLODetector) CheckHealth(ctx context.Context) error {
	yd.mu.RLock()
	cached := !yd.healthCheck.IsZero() && yd.now().Sub(yd.healthCheck) < healthCacheTTL
	yd.mu.RUnlock()
	if cached {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if !health.ModelLoaded {
		return fmt.Errorf("YOLO model not loaded (status %q)", health.Status)
	}

	yd.mu.Lock()
	yd.healthCheck = yd.now()
	yd.mu.Unlock()
	return nil
}

// Detect posts image to /detect and converts the response
func (yd *YOLODetector) Detect(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	if yd.confThreshold > 0 {
		if err := w.WriteField("conf_threshold", fmt.Sprintf("%.3f", yd.confThreshold)); err != nil {
			return nil, err
		}
	}
	if yd.classesFilter != "" {
		if err := w.WriteField("classes_filter", yd.classesFilter); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		yd.invalidateHealth()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("YOLO request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("YOLO detection failed (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode YOLO response: %w", err)
	}

	return convertYOLO(result.Detections), nil
}

func (yd *YOLODetector) invalidateHealth() {
	yd.mu.Lock()
	yd.healthCheck = time.Time{}
	yd.mu.Unlock()
}

// Close is a no-op; the HTTP client holds no dedicated resources
func (yd *YOLODetector) Close() error {
	return nil
}

func convertYOLO(in []YOLODetection) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(in))
	for _, d := range in {
		var box pipeline.BBox
		if len(d.BBox) >= 4 {
			box = pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		out = append(out, pipeline.Detection{
			Label: d.Class,
			Score: d.Confidence,
			Box:   box,
		})
	}
	return out
}

var (
	_ pipeline.Detector      = (*YOLODetector)(nil)
	_ pipeline.HealthChecker = (*YOLODetector)(nil)
)
