// Package telegram is the outbound half of the chat channel: it delivers replies with
// the Bot API and downloads the photos teachers attach.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	// MaxMessageLength is the Bot API limit on one message, in characters.
	MaxMessageLength = 4096
	// MaxPhotoBytes caps a downloaded photo.
	MaxPhotoBytes = 20 << 20
)

// ErrNoPhoto is returned when a message has no photo sizes to download.
var ErrNoPhoto = errors.New("message has no photo")

// Config configures the Bot API client.
type Config struct {
	Token       string        `mapstructure:"token"`
	SecretToken string        `mapstructure:"secret_token"` // Expected X-Telegram-Bot-Api-Secret-Token
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// DefaultConfig returns the public endpoint with a 15s timeout and two retries.
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 15 * time.Second, MaxRetries: 2}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Update is one inbound webhook delivery.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is a chat message. Only the fields the assistant reads are decoded.
type Message struct {
	MessageID int64       `json:"message_id"`
	Chat      *Chat       `json:"chat,omitempty"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// PhotoSize is one resolution of an attached photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size,omitempty"`
}

// Content returns the message text, or the caption of a photo message.
func (m *Message) Content() string {
	if m == nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// ChatID returns the chat id, or zero when the message has no chat.
func (m *Message) ChatID() int64 {
	if m == nil || m.Chat == nil {
		return 0
	}
	return m.Chat.ID
}

// LargestPhoto returns the highest resolution photo size.
func (m *Message) LargestPhoto() (PhotoSize, bool) {
	if m == nil || len(m.Photo) == 0 {
		return PhotoSize{}, false
	}
	best := m.Photo[0]
	for _, p := range m.Photo[1:] {
		if p.Width*p.Height > best.Width*best.Height ||
			(p.Width*p.Height == best.Width*best.Height && p.FileSize > best.FileSize) {
			best = p
		}
	}
	return best, true
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the Bot API. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     observability.Logger
}

// New creates a client. The bot token is required.
func New(cfg Config, logger observability.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Bind("component", "telegram"),
	}, nil
}

// SendMessage delivers text to a chat, split into as many messages as the length
// limit requires. Errors are DeliveryFailure.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := SplitMessage(text, MaxMessageLength)
	for i, chunk := range chunks {
		if _, err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: chunk}); err != nil {
			observability.RecordDelivery("failed")
			return failures.New(failures.KindDeliveryFailure, "telegram.sendMessage",
				fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err))
		}
	}
	observability.RecordDelivery("sent")
	c.logger.Debug("message_sent", "chat_id", chatID, "chunks", len(chunks))
	return nil
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	raw, err := c.call(ctx, "getFile", map[string]string{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode getFile result: %w", err)
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("getFile returned no path for %s", fileID)
	}
	return &f, nil
}

// DownloadFile fetches the bytes behind a getFile path.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", redactToken(err, c.cfg.Token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", MaxPhotoBytes)
	}
	return data, nil
}

// DownloadPhoto downloads the largest size of a message photo.
func (c *Client) DownloadPhoto(ctx context.Context, msg *Message) (*statebag.Image, error) {
	photo, ok := msg.LargestPhoto()
	if !ok {
		return nil, ErrNoPhoto
	}
	f, err := c.GetFile(ctx, photo.FileID)
	if err != nil {
		return nil, err
	}
	data, err := c.DownloadFile(ctx, f.FilePath)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("photo_downloaded", "file_id", photo.FileID, "bytes", len(data))
	return &statebag.Image{
		Data:     data,
		MIMEType: http.DetectContentType(data),
		Source:   "telegram:" + photo.FileID,
	}, nil
}

// call posts a JSON request to a Bot API method, retrying rate limits and server errors.
func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (json.RawMessage, error) {
		attempt++
		raw, err := c.post(ctx, url, body)
		if err == nil {
			return raw, nil
		}
		if !failures.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("telegram_call_retry", "method", method, "attempt", attempt, "error", err.Error())
		return nil, err
	}, policy)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failures.Unavailable("telegram", redactToken(err, c.cfg.Token), ctx.Err() == nil)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, failures.Unavailable("telegram",
			fmt.Errorf("status %d: undecodable response: %w", resp.StatusCode, err),
			failures.TransientStatus(resp.StatusCode))
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, failures.Unavailable("telegram",
			fmt.Errorf("status %d: %s", code, out.Description),
			failures.TransientStatus(code))
	}
	return out.Result, nil
}

// redactToken keeps the bot token out of url.Error messages.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

// =============================================================================
// CHUNKING
// =============================================================================

// SplitMessage splits text into chunks of at most limit characters, breaking on line
// boundaries. A single line longer than limit is cut at the limit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		r := []rune(line)
		if len(cur)+len(r) <= limit {
			cur = append(cur, r...)
			continue
		}
		flush()
		for len(r) > limit {
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()

	out := chunks[:0]
	for _, c := range chunks {
		if c = strings.TrimRight(c, "\n"); c != "" {
			out = append(out, c)
		}
	}
	return out
}
