// Package camera provides the image sources a detection cycle captures from.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"edgecam/internal/pipeline"
)

// Source kinds
const (
	KindHTTP      = "http"
	KindFFmpeg    = "ffmpeg"
	KindLibcamera = "libcamera"
	KindFile      = "file"
)

// Config selects and configures an image source
type Config struct {
	Kind string

	// http
	URL      string
	Username string
	Password string

	// ffmpeg: V4L2 device path or HTTP/RTSP URL
	Device     string
	Resolution string

	// libcamera
	Rotation    int
	WaitForExit time.Duration

	// libcamera output file, file source input
	Path string
}

// New builds the image source described by cfg
func New(cfg Config) (pipeline.ImageSource, error) {
	switch strings.ToLower(cfg.Kind) {
	case KindHTTP, "security":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http camera requires a url")
		}
		return NewHTTPSource(cfg.URL, cfg.Username, cfg.Password), nil
	case KindFFmpeg:
		if cfg.Device == "" {
			return nil, fmt.Errorf("ffmpeg camera requires a device")
		}
		return NewFFmpegSource(cfg.Device, cfg.Resolution), nil
	case KindLibcamera, "raspberrypi":
		if cfg.Path == "" {
			return nil, fmt.Errorf("libcamera camera requires an output path")
		}
		return NewLibcameraSource(cfg.Path, cfg.Rotation, cfg.WaitForExit), nil
	case KindFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file camera requires a path")
		}
		return NewFileSource(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown camera kind %q", cfg.Kind)
	}
}

// commandContext is swapped in tests
var commandContext = exec.CommandContext

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// FFmpegSource grabs a single frame from a V4L2 device or network stream
type FFmpegSource struct {
	device     string
	resolution string
}

// NewFFmpegSource creates an ffmpeg-backed source
func NewFFmpegSource(device, resolution string) *FFmpegSource {
	return &FFmpegSource{device: device, resolution: resolution}
}

func (s *FFmpegSource) Name() string { return KindFFmpeg }

func (s *FFmpegSource) args() []string {
	var args []string
	if isNetworkSource(s.device) {
		args = []string{"-y", "-i", s.device}
	} else {
		args = []string{"-f", "v4l2"}
		if s.resolution != "" {
			args = append(args, "-video_size", s.resolution)
		}
		args = append(args, "-i", s.device)
	}
	return append(args,
		"-vframes", "1", // Capture 1 frame
		"-f", "mjpeg",
		"-q:v", "2", // High quality JPEG
		"-", // Output to stdout
	)
}

// Capture runs ffmpeg and returns the JPEG it writes to stdout
func (s *FFmpegSource) Capture(ctx context.Context) ([]byte, error) {
	cmd := commandContext(ctx, "ffmpeg", s.args()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// LibcameraSource captures with libcamera-jpeg on a Raspberry Pi
type LibcameraSource struct {
	path        string
	rotation    int
	waitForExit time.Duration
}

// NewLibcameraSource creates a libcamera-jpeg source writing to path
func NewLibcameraSource(path string, rotation int, waitForExit time.Duration) *LibcameraSource {
	return &LibcameraSource{path: path, rotation: rotation, waitForExit: waitForExit}
}

func (s *LibcameraSource) Name() string { return KindLibcamera }

func (s *LibcameraSource) args() []string {
	return []string{"-o", s.path, "--nopreview", "-t1", "--rotation", strconv.Itoa(s.rotation)}
}

// Capture runs libcamera-jpeg and reads the image it wrote. The process is
// killed when it outlives waitForExit or ctx.
func (s *LibcameraSource) Capture(ctx context.Context) ([]byte, error) {
	if s.waitForExit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.waitForExit)
		defer cancel()
	}

	cmd := commandContext(ctx, "libcamera-jpeg", s.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("libcamera-jpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read captured image: %w", err)
	}
	return data, nil
}

// FileSource reads a still image from disk on every capture
type FileSource struct {
	path string
}

// NewFileSource creates a source that returns the contents of path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return KindFile }

func (s *FileSource) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return data, nil
}
