package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Notification 封装一次稳定周期的告警上下文。
type Notification struct {
	PairID    string
	ProfileID string
	CreatedAt time.Time
	Status    string
	Reason    string
	Price     decimal.Decimal
	Target    decimal.Decimal
	Delta     decimal.Decimal
	RiskScore float64
	// Actions are one-line summaries such as "supply_adjustment=success".
	Actions []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Policy decides which finalised cycles produce a notification.
type Policy struct {
	NotifyCommitted bool
}

// ShouldNotify reports whether a cycle with the given status is worth an
// alert. Rejected cycles always alert; committed ones only when they acted
// and NotifyCommitted is set.
func (p Policy) ShouldNotify(status string, acted bool) bool {
	switch status {
	case "rejected":
		return true
	case "committed":
		return p.NotifyCommitted && acted
	default:
		return false
	}
}

// Telegram 对单个会话大约限制为每秒一条消息。
const (
	telegramPerChatRate  = 1
	telegramPerChatBurst = 3
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(telegramPerChatRate), telegramPerChatBurst),
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Notify 调用 sendMessage API 推送文本，超出会话限速时等待或随 ctx 取消。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram 限速等待中断: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"chat_id":                  n.chatID,
		"text":                     renderMessage(note),
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	// Telegram 在失败时同样返回 JSON，优先使用其中的描述。
	var result telegramResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	switch {
	case decodeErr == nil && !result.OK:
		if result.Parameters.RetryAfter > 0 {
			return fmt.Errorf("telegram 拒绝 (%d): %s, %d 秒后重试", result.ErrorCode, result.Description, result.Parameters.RetryAfter)
		}
		return fmt.Errorf("telegram 拒绝 (%d): %s", result.ErrorCode, result.Description)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().Str("pair", note.PairID).
		Str("profile_id", note.ProfileID).
		Str("status", note.Status).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Peg Stabilizer %s]\n", strings.ToUpper(note.Status)))
	builder.WriteString(fmt.Sprintf("Pair: %s\n", note.PairID))
	builder.WriteString(fmt.Sprintf("Profile: %s\n", note.ProfileID))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.CreatedAt.UTC().Format(time.RFC3339)))
	if !note.Price.IsZero() {
		builder.WriteString(fmt.Sprintf("Price: %s (target %s, delta %s)\n", note.Price.String(), note.Target.String(), note.Delta.String()))
	}
	builder.WriteString(fmt.Sprintf("Risk: %.3f\n", note.RiskScore))
	if len(note.Actions) > 0 {
		builder.WriteString(fmt.Sprintf("Actions: %s\n", strings.Join(note.Actions, ", ")))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
