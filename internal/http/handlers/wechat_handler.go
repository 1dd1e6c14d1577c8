// WeChat callback handlers.
//
// GET  /wechat  — transport handshake: echo the challenge when the signature
//                 verifies, a not-found-shaped body otherwise.
// POST /wechat  — inbound message envelope. In sync mode the handler waits a
//                 bounded time for the orchestrator and answers with a
//                 passive XML reply; in push mode it acknowledges immediately
//                 and the pipeline delivers out-of-band.
//
// Signature failures are never surfaced as server errors; the platform
// expects a plain not-found response so probes learn nothing.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wrelay/wechat-relay/internal/config"
	"github.com/wrelay/wechat-relay/internal/http/middleware"
	"github.com/wrelay/wechat-relay/internal/services"
	"github.com/wrelay/wechat-relay/internal/wechat"
)

// ReplyNonText is returned for message types the relay does not handle.
const ReplyNonText = "目前只支持文字消息哦"

var webhookRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_webhook_requests_total",
		Help: "Inbound webhook deliveries by outcome.",
	},
	[]string{"outcome"}, // verified | bad_signature | replied | acked | timeout | dedup | non_text | error
)

func init() {
	prometheus.MustRegister(webhookRequests)
}

// Relay is the orchestration contract the webhook handler consumes.
type Relay interface {
	// Receive resolves dedup for one inbound delivery and spawns any
	// background work it requires.
	Receive(ctx context.Context, in services.Inbound) (*services.Ticket, error)
	// AwaitText waits a bounded time for the ticket's outcome and returns
	// the text this webhook response should carry.
	AwaitText(ctx context.Context, t *services.Ticket) (string, bool)
}

// WebhookHandlers serves the WeChat callback endpoints.
type WebhookHandlers struct {
	relay Relay
	token string
	mode  string
}

// NewWebhook constructs the callback handlers.
func NewWebhook(relay Relay, wechatToken, mode string) *WebhookHandlers {
	return &WebhookHandlers{relay: relay, token: wechatToken, mode: mode}
}

// verify checks the signature query parameters shared by GET and POST.
func (h *WebhookHandlers) verify(c *gin.Context) bool {
	return wechat.CheckSignature(
		h.token,
		c.Query("signature"),
		c.Query("timestamp"),
		c.Query("nonce"),
	)
}

// notFound mimics a missing route so signature probes learn nothing.
func notFound(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"detail": "Not Found"})
}

// Verify handles the GET handshake: echo echostr verbatim on success.
func (h *WebhookHandlers) Verify(c *gin.Context) {
	if !h.verify(c) {
		webhookRequests.WithLabelValues("bad_signature").Inc()
		notFound(c)
		return
	}
	webhookRequests.WithLabelValues("verified").Inc()
	c.String(http.StatusOK, c.Query("echostr"))
}

// Receive handles the POST callback carrying one message envelope.
func (h *WebhookHandlers) Receive(c *gin.Context) {
	if !h.verify(c) {
		webhookRequests.WithLabelValues("bad_signature").Inc()
		notFound(c)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		webhookRequests.WithLabelValues("error").Inc()
		c.String(http.StatusBadRequest, "")
		return
	}
	env, err := wechat.ParseEnvelope(body)
	if err != nil {
		webhookRequests.WithLabelValues("error").Inc()
		middleware.LoggerFrom(c).Warn().Err(err).Msg("envelope parse failed")
		c.String(http.StatusBadRequest, "")
		return
	}

	if env.MsgType != wechat.MsgTypeText {
		// Events and media are acknowledged with a fixed reply; nothing is
		// stored and no pipeline runs.
		webhookRequests.WithLabelValues("non_text").Inc()
		h.replyXML(c, env, ReplyNonText)
		return
	}

	in := services.Inbound{
		MsgID:      env.MsgIDString(),
		Source:     env.FromUserName,
		Target:     env.ToUserName,
		Content:    env.Content,
		CreateTime: env.Time(),
	}
	ticket, err := h.relay.Receive(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, services.ErrEmptyContent) || errors.Is(err, services.ErrContentTooLong) {
			webhookRequests.WithLabelValues("non_text").Inc()
			h.replyXML(c, env, ReplyNonText)
			return
		}
		webhookRequests.WithLabelValues("error").Inc()
		middleware.LoggerFrom(c).Error().Err(err).Msg("receive failed")
		h.replyXML(c, env, services.FallbackTimeout)
		return
	}

	if h.mode == config.ModePush {
		// The pipeline owns delivery; the platform only needs the ack token.
		webhookRequests.WithLabelValues("acked").Inc()
		c.String(http.StatusOK, wechat.AckSuccess)
		return
	}

	text, timely := h.relay.AwaitText(c.Request.Context(), ticket)
	switch {
	case !timely:
		webhookRequests.WithLabelValues("timeout").Inc()
	case ticket.Status == services.StatusInFlight:
		webhookRequests.WithLabelValues("dedup").Inc()
	default:
		webhookRequests.WithLabelValues("replied").Inc()
	}
	h.replyXML(c, env, text)
}

// replyXML writes the passive XML reply the platform expects.
func (h *WebhookHandlers) replyXML(c *gin.Context, env *wechat.Envelope, content string) {
	out, err := wechat.RenderTextReply(env, content, time.Now())
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("reply render failed")
		c.String(http.StatusOK, wechat.AckSuccess)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", out)
}
