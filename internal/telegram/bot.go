// Package telegram sends cycle artifacts to a Telegram chat and accepts
// operator commands from it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// DefaultAPIURL is the Telegram Bot API endpoint
const DefaultAPIURL = "https://api.telegram.org"

// ErrCooldown is returned when a send is attempted before the cooldown elapsed
var ErrCooldown = errors.New("cooldown period not yet elapsed")

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration
	// APIURL overrides DefaultAPIURL
	APIURL string
}

// Bot sends messages and photos to the configured chat
type Bot struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// Response is the envelope of every Bot API answer
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ValidateConfig checks that token and chat are set
func ValidateConfig(cfg Config) error {
	if cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}
	return nil
}

// NewBot creates a bot
func NewBot(cfg Config) (*Bot, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Bot{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
	}, nil
}

// ChatID returns the chat the bot talks to
func (b *Bot) ChatID() string {
	return b.cfg.ChatID
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.cfg.APIURL, b.cfg.BotToken, method)
}

// SendMessage sends an HTML text message, bypassing the cooldown
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    b.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	_, err := b.call(ctx, "sendMessage", payload)
	return err
}

// SendPhoto sends a photo with an optional caption. Photos are rate limited
// by the configured cooldown.
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, filename, caption string) error {
	if !b.acquire("photo") {
		return ErrCooldown
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.release("photo")
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	if _, err := decodeResponse(resp); err != nil {
		b.release("photo")
		return err
	}
	return nil
}

// call posts a JSON request and returns the result field
func (b *Bot) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(method), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", r.ErrorCode, r.Description)
	}
	return r.Result, nil
}

// acquire reserves a send slot for kind if the cooldown elapsed
func (b *Bot) acquire(kind string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last, ok := b.lastSent[kind]; ok && now.Sub(last) < b.cfg.Cooldown {
		return false
	}
	b.lastSent[kind] = now
	return true
}

// release forgets a failed send so the next one is not delayed
func (b *Bot) release(kind string) {
	b.mu.Lock()
	delete(b.lastSent, kind)
	b.mu.Unlock()
}

// PhotoSink posts uploaded artifacts to the chat
type PhotoSink struct {
	bot    *Bot
	logger *zap.SugaredLogger
}

// NewPhotoSink creates an artifact sink backed by bot
func NewPhotoSink(bot *Bot, logger *zap.SugaredLogger) *PhotoSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PhotoSink{bot: bot, logger: logger}
}

func (s *PhotoSink) Name() string {
	return "telegram"
}

// Upload implements pipeline.ArtifactSink
func (s *PhotoSink) Upload(ctx context.Context, localPath, remoteName string) error {
	return s.UploadTagged(ctx, localPath, remoteName, nil)
}

// UploadTagged implements pipeline.TaggedArtifactSink; the tally becomes the
// caption. A send suppressed by the cooldown is not an error.
func (s *PhotoSink) UploadTagged(ctx context.Context, localPath, remoteName string, tags map[string]string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	err = s.bot.SendPhoto(ctx, data, filepath.Base(remoteName), Caption(remoteName, tags))
	if errors.Is(err, ErrCooldown) {
		s.logger.Debugw("Telegram photo suppressed by cooldown", "name", remoteName)
		return nil
	}
	return err
}

// Caption renders "name\nlabel: n, ..." with labels sorted
func Caption(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	labels := make([]string, 0, len(tags))
	for l := range tags {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l+": "+tags[l])
	}
	return name + "\n" + strings.Join(parts, ", ")
}

var _ pipeline.TaggedArtifactSink = (*PhotoSink)(nil)
