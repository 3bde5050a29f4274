package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrChatUnreachable 表示用户已屏蔽机器人或会话不存在，重试无意义。
var ErrChatUnreachable = errors.New("alerting: chat unreachable")

// Notifier 定义消息投递接口。
type Notifier interface {
	Send(ctx context.Context, subscriberID int64, message string) error
}

// TelegramOptions 配置 Telegram 投递。
type TelegramOptions struct {
	BotToken    string
	APIBase     string
	Timeout     time.Duration
	MaxAttempts int
	// RetryDelay is the first backoff interval between attempts.
	RetryDelay time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken    string
	baseURL     string
	maxAttempts uint
	retryDelay  time.Duration
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 推送器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.APIBase
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	return &TelegramNotifier{
		botToken:    opts.BotToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: uint(attempts),
		retryDelay:  delay,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send 调用 sendMessage，临时错误按指数退避重试。
func (n *TelegramNotifier) Send(ctx context.Context, subscriberID int64, message string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                subscriberID,
		Text:                  message,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.retryDelay

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		sendErr := n.post(ctx, body)
		if sendErr != nil {
			n.logger.Debug().Err(sendErr).Int64("chat_id", subscriberID).Int("attempt", attempt).Msg("telegram 发送失败")
		}
		return struct{}{}, sendErr
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(n.maxAttempts))
	if err != nil {
		if errors.Is(err, ErrChatUnreachable) {
			n.logger.Info().Int64("chat_id", subscriberID).Msg("chat not reachable; user may have blocked the bot")
		}
		return err
	}

	n.logger.Info().Int64("chat_id", subscriberID).Int("attempts", attempt).Msg("消息已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) post(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}

	var result apiResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr == nil && !result.OK {
			return backoff.Permanent(fmt.Errorf("telegram 返回 ok=false: %s", result.Description))
		}
		return nil
	}

	apiErr := fmt.Errorf("telegram 响应码异常: %d %s", resp.StatusCode, result.Description)
	switch {
	case unreachable(resp.StatusCode, result.Description):
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrChatUnreachable, apiErr))
	case resp.StatusCode == http.StatusTooManyRequests && result.Parameters.RetryAfter > 0:
		return backoff.RetryAfter(result.Parameters.RetryAfter)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apiErr
	default:
		return backoff.Permanent(apiErr)
	}
}

func unreachable(status int, description string) bool {
	if status == http.StatusForbidden {
		return true
	}
	desc := strings.ToLower(description)
	return strings.Contains(desc, "chat not found") || strings.Contains(desc, "blocked")
}

// LogNotifier writes messages to the log instead of delivering them. Used when
// no Telegram bot is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send implements Notifier.
func (n *LogNotifier) Send(_ context.Context, subscriberID int64, message string) error {
	n.logger.Info().Int64("subscriber_id", subscriberID).Str("message", message).Msg("notification (log only)")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
