// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"edgecam/internal/auth"
	"edgecam/internal/camera"
	"edgecam/internal/detection"
	"edgecam/internal/mqtt"
	"edgecam/internal/pipeline"
	"edgecam/internal/publish"
	"edgecam/internal/telegram"
)

// Duration accepts Go durations ("90s") and clock-style spans ("00:01:30")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := pipeline.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete daemon configuration
type Config struct {
	DeviceID  string          `yaml:"device_id"`
	Logging   LoggingConfig   `yaml:"logging"`
	Camera    CameraConfig    `yaml:"camera"`
	Detector  DetectorConfig  `yaml:"detector"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Paths     PathsConfig     `yaml:"paths"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Control   ControlConfig   `yaml:"control"`
}

// LoggingConfig selects log level and encoding
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// CameraConfig describes the image source
type CameraConfig struct {
	Kind        string   `yaml:"kind"` // http, ffmpeg, libcamera, file
	URL         string   `yaml:"url"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Device      string   `yaml:"device"`
	Resolution  string   `yaml:"resolution"`
	Rotation    int      `yaml:"rotation"`
	WaitForExit Duration `yaml:"wait_for_exit"`
	Path        string   `yaml:"path"`
}

// DetectorConfig selects the inference backend
type DetectorConfig struct {
	Backend       string  `yaml:"backend"` // http, grpc, grpc+http
	HTTPEndpoint  string  `yaml:"http_endpoint"`
	GRPCEndpoint  string  `yaml:"grpc_endpoint"`
	ConfThreshold float64 `yaml:"conf_threshold"`
	ClassesFilter string  `yaml:"classes_filter"`
}

// CycleConfig holds the schedule and the cycle tunables
type CycleConfig struct {
	Due              Duration `yaml:"due"`
	Period           Duration `yaml:"period"`
	CaptureTimeout   Duration `yaml:"capture_timeout"`
	PublishTimeout   Duration `yaml:"publish_timeout"`
	ScoreThreshold   float64  `yaml:"score_threshold"`
	LabelsOfInterest []string `yaml:"labels_of_interest"`
	LabelsMinimum    []string `yaml:"labels_minimum"`
	Overrun          string   `yaml:"overrun"` // drop, coalesce
	// Start arms the timer at startup
	Start bool `yaml:"start"`
}

// PathsConfig are the local files written by each cycle
type PathsConfig struct {
	Camera   string `yaml:"camera"`
	MarkedUp string `yaml:"markedup"`
}

// ArtifactConfig enables one artifact and names its remote copy
type ArtifactConfig struct {
	Enabled bool `yaml:"enabled"`
	// Name is a strftime template, e.g. "%Y%m%d/%H%M%S.jpg"
	Name string `yaml:"name"`
}

// ArtifactsConfig lists the two per-cycle artifacts
type ArtifactsConfig struct {
	Camera   ArtifactConfig `yaml:"camera"`
	MarkedUp ArtifactConfig `yaml:"markedup"`
}

// MQTTConfig is the broker connection shared by telemetry and control
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TelegramConfig is the bot shared by the photo sink and chat commands
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatID   string   `yaml:"chat_id"`
	Cooldown Duration `yaml:"cooldown"`
	APIURL   string   `yaml:"api_url"`
}

// Enabled reports whether a bot is configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// Toggle is a sink without settings of its own
type Toggle struct {
	Enabled bool `yaml:"enabled"`
}

// JournalConfig is the local sqlite cycle journal
type JournalConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
	Interval  Duration `yaml:"interval"`
}

// BlobConfig is the Azure blob artifact sink
type BlobConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountURL string `yaml:"account_url"`
	Container  string `yaml:"container"`
	SAS        string `yaml:"sas"`
}

// GCSConfig is the Cloud Storage artifact sink
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

// SinksConfig selects where interesting cycles go
type SinksConfig struct {
	MQTT     Toggle        `yaml:"mqtt"`
	Journal  JournalConfig `yaml:"journal"`
	Blob     BlobConfig    `yaml:"blob"`
	GCS      GCSConfig     `yaml:"gcs"`
	Telegram Toggle        `yaml:"telegram"`
}

// AuthConfig protects the HTTP control API
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Secret   string `yaml:"secret"`
	Expiry   string `yaml:"expiry"`
}

// HTTPConfig is the control API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// ControlConfig enables the remote control channels
type ControlConfig struct {
	HTTP     HTTPConfig `yaml:"http"`
	MQTT     Toggle     `yaml:"mqtt"`
	Telegram Toggle     `yaml:"telegram"`
	// Watch reloads the cycle section when the file changes
	Watch bool `yaml:"watch"`
}

// Default returns a configuration with every optional value filled in
func Default() *Config {
	cycle := pipeline.DefaultCycleConfig()
	host, _ := os.Hostname()
	if host == "" {
		host = "edgecam"
	}
	return &Config{
		DeviceID: host,
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Camera: CameraConfig{
			Kind:        camera.KindHTTP,
			WaitForExit: Duration(10 * time.Second),
		},
		Detector: DetectorConfig{
			Backend:       "http",
			HTTPEndpoint:  "http://localhost:8081",
			ConfThreshold: 0.25,
		},
		Cycle: CycleConfig{
			Due:            Duration(cycle.Schedule.Due),
			Period:         Duration(cycle.Schedule.Period),
			CaptureTimeout: Duration(cycle.CaptureTimeout),
			PublishTimeout: Duration(cycle.PublishTimeout),
			ScoreThreshold: cycle.ScoreThreshold,
			Overrun:        string(cycle.Overrun),
			Start:          true,
		},
		Paths: PathsConfig{
			Camera:   "/var/lib/edgecam/camera.jpg",
			MarkedUp: "/var/lib/edgecam/markedup.jpg",
		},
		Artifacts: ArtifactsConfig{
			Camera:   ArtifactConfig{Name: "%Y%m%d/%H%M%S-camera.jpg"},
			MarkedUp: ArtifactConfig{Name: "%Y%m%d/%H%M%S-markedup.jpg"},
		},
		MQTT: MQTTConfig{QoS: 1},
		Telegram: TelegramConfig{
			Cooldown: Duration(time.Minute),
		},
		Sinks: SinksConfig{
			Journal: JournalConfig{
				Path:      "/var/lib/edgecam/edgecam.db",
				Retention: Duration(7 * 24 * time.Hour),
				Interval:  Duration(time.Hour),
			},
		},
		Control: ControlConfig{
			HTTP: HTTPConfig{Addr: ":8090"},
		},
	}
}

// Load reads path, expands ${VAR} references and validates the result
func Load(path string) (*Config, error) {
	data, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "edgecam-" + cfg.DeviceID
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "edgecam/" + cfg.DeviceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	if c.Cycle.Due < 0 {
		fail("cycle.due must not be negative")
	}
	if c.Cycle.Period < 0 {
		fail("cycle.period must not be negative")
	}
	if c.Cycle.CaptureTimeout <= 0 {
		fail("cycle.capture_timeout must be positive")
	}
	if c.Cycle.PublishTimeout <= 0 {
		fail("cycle.publish_timeout must be positive")
	}
	if c.Cycle.ScoreThreshold < 0 || c.Cycle.ScoreThreshold > 1 {
		fail("cycle.score_threshold must be within [0, 1]")
	}
	switch pipeline.OverrunPolicy(c.Cycle.Overrun) {
	case pipeline.OverrunDrop, pipeline.OverrunCoalesce:
	default:
		fail("cycle.overrun must be %q or %q", pipeline.OverrunDrop, pipeline.OverrunCoalesce)
	}

	if c.Paths.Camera == "" {
		fail("paths.camera is required")
	}
	if c.Artifacts.MarkedUp.Enabled && c.Paths.MarkedUp == "" {
		fail("paths.markedup is required when the markedup artifact is enabled")
	}

	switch c.Detector.Backend {
	case "http":
		if c.Detector.HTTPEndpoint == "" {
			fail("detector.http_endpoint is required")
		}
	case "grpc":
		if c.Detector.GRPCEndpoint == "" {
			fail("detector.grpc_endpoint is required")
		}
	case "grpc+http":
		if c.Detector.HTTPEndpoint == "" || c.Detector.GRPCEndpoint == "" {
			fail("detector.http_endpoint and detector.grpc_endpoint are required")
		}
	default:
		fail("unknown detector.backend %q", c.Detector.Backend)
	}

	needsBroker := c.Sinks.MQTT.Enabled || c.Control.MQTT.Enabled
	if needsBroker && c.MQTT.Broker == "" {
		fail("mqtt.broker is required when an MQTT sink or channel is enabled")
	}
	if c.MQTT.QoS > 2 {
		fail("mqtt.qos must be 0, 1 or 2")
	}

	needsBot := c.Sinks.Telegram.Enabled || c.Control.Telegram.Enabled
	if needsBot {
		if e := telegram.ValidateConfig(c.TelegramConfig()); e != nil {
			fail("telegram: %v", e)
		}
	}

	if c.Sinks.Journal.Enabled && c.Sinks.Journal.Path == "" {
		fail("sinks.journal.path is required")
	}
	if c.Sinks.Blob.Enabled && (c.Sinks.Blob.AccountURL == "" || c.Sinks.Blob.Container == "") {
		fail("sinks.blob.account_url and sinks.blob.container are required")
	}
	if c.Sinks.GCS.Enabled && c.Sinks.GCS.Bucket == "" {
		fail("sinks.gcs.bucket is required")
	}
	if c.Control.HTTP.Auth.Enabled && c.Control.HTTP.Auth.Password == "" {
		fail("control.http.auth.password is required when auth is enabled")
	}
	return err
}

// CycleConfig converts the cycle section to the pipeline type
func (c *Config) CycleConfig() pipeline.CycleConfig {
	return pipeline.CycleConfig{
		CaptureTimeout:   c.Cycle.CaptureTimeout.Std(),
		PublishTimeout:   c.Cycle.PublishTimeout.Std(),
		ScoreThreshold:   c.Cycle.ScoreThreshold,
		LabelsOfInterest: pipeline.NewLabelSet(c.Cycle.LabelsOfInterest),
		LabelsMinimum:    c.Cycle.LabelsMinimum,
		Schedule: pipeline.Schedule{
			Due:    c.Cycle.Due.Std(),
			Period: c.Cycle.Period.Std(),
		},
		Overrun: pipeline.OverrunPolicy(c.Cycle.Overrun),
	}
}

// CameraConfig converts the camera section
func (c *Config) CameraConfig() camera.Config {
	return camera.Config{
		Kind:        strings.ToLower(c.Camera.Kind),
		URL:         c.Camera.URL,
		Username:    c.Camera.Username,
		Password:    c.Camera.Password,
		Device:      c.Camera.Device,
		Resolution:  c.Camera.Resolution,
		Rotation:    c.Camera.Rotation,
		WaitForExit: c.Camera.WaitForExit.Std(),
		Path:        c.Camera.Path,
	}
}

// DetectorConfig converts the detector section
func (c *Config) DetectorConfig() detection.Config {
	return detection.Config{
		Backend:       c.Detector.Backend,
		HTTPEndpoint:  c.Detector.HTTPEndpoint,
		GRPCEndpoint:  c.Detector.GRPCEndpoint,
		ConfThreshold: c.Detector.ConfThreshold,
		ClassesFilter: c.Detector.ClassesFilter,
	}
}

// PipelinePaths returns the local files a cycle writes. An empty markedup path
// disables annotation.
func (c *Config) PipelinePaths() pipeline.Paths {
	return pipeline.Paths{Camera: c.Paths.Camera, MarkedUp: c.Paths.MarkedUp}
}

// PublishArtifacts lists both artifacts for the publisher
func (c *Config) PublishArtifacts() []publish.Artifact {
	return []publish.Artifact{
		{Kind: "camera", LocalPath: c.Paths.Camera, NameTemplate: c.Artifacts.Camera.Name, Enabled: c.Artifacts.Camera.Enabled},
		{Kind: "markedup", LocalPath: c.Paths.MarkedUp, NameTemplate: c.Artifacts.MarkedUp.Name, Enabled: c.Artifacts.MarkedUp.Enabled},
	}
}

// MQTTClientConfig converts the broker section
func (c *Config) MQTTClientConfig() mqtt.Config {
	return mqtt.Config{
		Broker:   c.MQTT.Broker,
		ClientID: c.MQTT.ClientID,
		Username: c.MQTT.Username,
		Password: c.MQTT.Password,
		QoS:      c.MQTT.QoS,
	}
}

// TelegramConfig converts the bot section
func (c *Config) TelegramConfig() telegram.Config {
	return telegram.Config{
		BotToken: c.Telegram.BotToken,
		ChatID:   c.Telegram.ChatID,
		Cooldown: c.Telegram.Cooldown.Std(),
		APIURL:   c.Telegram.APIURL,
	}
}

// BlobSinkConfig converts the blob sink section
func (c *Config) BlobSinkConfig() publish.BlobConfig {
	b := c.Sinks.Blob
	return publish.BlobConfig{AccountURL: b.AccountURL, Container: b.Container, SAS: b.SAS}
}

// GCSSinkConfig converts the GCS sink section
func (c *Config) GCSSinkConfig() publish.GCSConfig {
	g := c.Sinks.GCS
	return publish.GCSConfig{Bucket: g.Bucket, Prefix: g.Prefix, CredentialsFile: g.CredentialsFile, Endpoint: g.Endpoint}
}

// AuthConfig converts the control API auth section
func (c *Config) AuthConfig() auth.Config {
	a := c.Control.HTTP.Auth
	return auth.Config{
		Enabled:  a.Enabled,
		Username: a.Username,
		Password: a.Password,
		Secret:   a.Secret,
		Expiry:   a.Expiry,
	}
}
