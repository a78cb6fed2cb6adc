// Package webhook is the inbound half of the chat channel: a gin server that accepts
// Telegram updates, routes them and delivers the reply.
package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/kernel"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/router"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/telegram"
)

// SecretHeader carries the secret token Telegram was registered with.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Replies sent by the delivery layer itself.
const (
	PhotoFailedMessage = "I couldn't download your photo. Please send it again."
	rateLimitedFormat  = "You're sending requests quickly. Please wait %d seconds and try again."
)

// Update results, as counted in the webhook metric.
const (
	resultUnauthorized   = "unauthorized"
	resultMalformed      = "malformed"
	resultIgnored        = "ignored"
	resultDuplicate      = "duplicate"
	resultRateLimited    = "rate_limited"
	resultPhotoFailed    = "photo_failed"
	resultDeliveryFailed = "delivery_failed"
)

// Config configures the HTTP surface.
type Config struct {
	Addr        string `mapstructure:"addr"`
	WebhookPath string `mapstructure:"webhook_path"`
	ServiceName string `mapstructure:"service_name"`
	SecretToken string `mapstructure:"-"` // From the telegram section
}

// DefaultConfig listens on :8080 with the webhook at /webhook.
func DefaultConfig() Config {
	return Config{Addr: ":8080", WebhookPath: "/webhook", ServiceName: "sahayak"}
}

// Router routes one request.
type Router interface {
	Route(ctx context.Context, req router.Request) *router.Reply
}

// Messenger delivers replies and fetches attachments.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	DownloadPhoto(ctx context.Context, msg *telegram.Message) (*statebag.Image, error)
}

// Handler handles webhook updates. Safe for concurrent use.
type Handler struct {
	cfg       Config
	router    Router
	messenger Messenger
	deduper   Deduper
	limiter   *kernel.RateLimiter
	logger    observability.Logger
	ready     atomic.Bool
}

// NewHandler creates a handler. A nil deduper keeps ids in memory; a nil limiter
// disables rate limiting.
func NewHandler(cfg Config, r Router, m Messenger, d Deduper, limiter *kernel.RateLimiter, logger observability.Logger) *Handler {
	if d == nil {
		d = NewMemoryDeduper(0)
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = DefaultConfig().WebhookPath
	}
	return &Handler{
		cfg:       cfg,
		router:    r,
		messenger: m,
		deduper:   d,
		limiter:   limiter,
		logger:    logger.Bind("component", "webhook"),
	}
}

// SetReady flips the readiness probe.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// NewEngine builds the gin engine with the webhook, probes and metrics routes.
func NewEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(otelgin.Middleware(serviceName(h.cfg)))
	engine.Use(h.recovery())

	engine.POST(h.cfg.WebhookPath, h.HandleUpdate)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if !h.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

// NewServer wraps the engine in an http.Server.
func NewServer(addr string, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serviceName(cfg Config) string {
	if cfg.ServiceName == "" {
		return DefaultConfig().ServiceName
	}
	return cfg.ServiceName
}

func (h *Handler) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := kernel.SafeExecute(h.logger, "http "+c.FullPath(), func() error {
			c.Next()
			return nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": string(failures.KindInternal)})
		}
	}
}

// =============================================================================
// UPDATE HANDLING
// =============================================================================

// HandleUpdate processes one Telegram update. Updates that carry nothing to answer
// are acknowledged with 200 so that Telegram stops redelivering them.
func (h *Handler) HandleUpdate(c *gin.Context) {
	if h.cfg.SecretToken != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.SecretToken)) != 1 {
			h.finish(c, http.StatusUnauthorized, resultUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
	}

	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		h.logger.Debug("update_malformed", "error", err.Error())
		h.ack(c, resultMalformed)
		return
	}
	msg := upd.Message
	chatID := msg.ChatID()
	if chatID == 0 || (msg.Content() == "" && len(msg.Photo) == 0) {
		h.ack(c, resultIgnored)
		return
	}

	ctx := c.Request.Context()
	logger := h.logger.Bind("update_id", upd.UpdateID, "chat_id", chatID)

	first, err := h.deduper.FirstSeen(ctx, upd.UpdateID)
	if err != nil {
		logger.Warn("dedupe_failed", "error", err.Error())
	} else if !first {
		logger.Info("update_duplicate")
		h.ack(c, resultDuplicate)
		return
	}

	if h.limiter != nil {
		if res := h.limiter.Check(strconv.FormatInt(chatID, 10), true); !res.Allowed {
			logger.Info("chat_rate_limited", "window", res.Window, "retry_after", res.RetryAfter.String())
			h.deliver(c, logger, chatID, fmt.Sprintf(rateLimitedFormat, waitSeconds(res.RetryAfter)), resultRateLimited)
			return
		}
	}

	req := router.Request{ChatID: chatID, Text: msg.Content()}
	if len(msg.Photo) > 0 {
		img, err := h.messenger.DownloadPhoto(ctx, msg)
		if err != nil {
			logger.Warn("photo_download_failed", "error", err.Error())
			h.deliver(c, logger, chatID, PhotoFailedMessage, resultPhotoFailed)
			return
		}
		req.Image = img
	}

	reply := h.router.Route(ctx, req)
	if err := h.messenger.SendMessage(ctx, chatID, reply.Text); err != nil {
		logger.Error("delivery_failed", "target", reply.Target, "outcome", string(reply.Outcome), "error", err.Error())
		h.finish(c, http.StatusBadGateway, resultDeliveryFailed, gin.H{"ok": false, "error": "delivery_failed"})
		return
	}

	if reply.Outcome == router.OutcomeFailed {
		h.finish(c, http.StatusInternalServerError, string(reply.Outcome),
			gin.H{"ok": false, "error": string(failures.KindOf(reply.Err))})
		return
	}
	h.finish(c, http.StatusOK, string(reply.Outcome), gin.H{"ok": true})
}

// deliver sends a reply the handler produced itself and acknowledges the update.
func (h *Handler) deliver(c *gin.Context, logger observability.Logger, chatID int64, text, result string) {
	if err := h.messenger.SendMessage(c.Request.Context(), chatID, text); err != nil {
		logger.Error("delivery_failed", "result", result, "error", err.Error())
		h.finish(c, http.StatusBadGateway, resultDeliveryFailed, gin.H{"ok": false, "error": "delivery_failed"})
		return
	}
	h.ack(c, result)
}

func (h *Handler) ack(c *gin.Context, result string) {
	h.finish(c, http.StatusOK, result, gin.H{"ok": true})
}

func (h *Handler) finish(c *gin.Context, status int, result string, body gin.H) {
	observability.RecordWebhookUpdate(result)
	c.JSON(status, body)
}

func waitSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
