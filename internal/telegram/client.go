package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/core"
	"github.com/ideanote/ideabot/internal/utils"
)

const maxMessageRunes = 4096

// Client talks to the Telegram Bot API and implements core.Messenger.
type Client struct {
	http        *resty.Client
	timeout     time.Duration
	maxRetries  uint64
	baseBackoff time.Duration
	log         zerolog.Logger
}

var _ core.Messenger = (*Client)(nil)

type Option func(*Client)

// WithRetry sets how often a 429/5xx or network failure is retried and the first backoff step.
func WithRetry(maxRetries uint64, baseBackoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseBackoff = baseBackoff
	}
}

// NewClient creates a client for the bot identified by token. timeout bounds every call
// except long polls, which get their own deadline.
func NewClient(apiURL, token string, timeout time.Duration, log zerolog.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")+"/bot"+token).
			SetHeader("Content-Type", "application/json"),
		timeout:     timeout,
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
		log:         log.With().Str("component", "telegram").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, controls [][]core.Control) (int, error) {
	req := sendMessageRequest{ChatID: chatID, Text: utils.Truncate(text, maxMessageRunes)}
	if len(controls) > 0 {
		req.ReplyMarkup = keyboard(controls)
	}
	var msg Message
	err := c.call(ctx, "sendMessage", c.timeout, true, func(r *resty.Request) *resty.Request {
		return r.SetBody(&req)
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditText replaces the text of a sent message and drops its inline keyboard.
func (c *Client) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	req := editMessageTextRequest{ChatID: chatID, MessageID: messageID, Text: utils.Truncate(text, maxMessageRunes)}
	err := c.call(ctx, "editMessageText", c.timeout, true, func(r *resty.Request) *resty.Request {
		return r.SetBody(&req)
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, data []byte, filename string) error {
	return c.call(ctx, "sendDocument", c.timeout, true, func(r *resty.Request) *resty.Request {
		return r.
			SetMultipartFormData(map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}).
			SetFileReader("document", filename, bytes.NewReader(data))
	}, nil)
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	req := answerCallbackRequest{CallbackQueryID: callbackID, Text: text}
	return c.call(ctx, "answerCallbackQuery", c.timeout, false, func(r *resty.Request) *resty.Request {
		return r.SetBody(&req)
	}, nil)
}

// GetUpdates long-polls for updates after offset. It does not retry; the poll loop does.
func (c *Client) GetUpdates(ctx context.Context, offset, timeoutSeconds int) ([]Update, error) {
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        timeoutSeconds,
		AllowedUpdates: []string{"message", "callback_query"},
	}
	var updates []Update
	deadline := time.Duration(timeoutSeconds)*time.Second + c.timeout
	err := c.call(ctx, "getUpdates", deadline, false, func(r *resty.Request) *resty.Request {
		return r.SetBody(&req)
	}, &updates)
	return updates, err
}

// DeleteWebhook is required before long polling when a webhook was registered earlier.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", c.timeout, true, func(r *resty.Request) *resty.Request {
		return r.SetBody(map[string]bool{"drop_pending_updates": false})
	}, nil)
}

// call posts to a Bot API method and decodes the result into out. Each attempt builds a fresh
// request so multipart bodies can be replayed.
func (c *Client) call(ctx context.Context, method string, timeout time.Duration, retry bool, prepare func(*resty.Request) *resty.Request, out any) error {
	var wait retryAfterBackOff
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := prepare(c.http.R().SetContext(callCtx)).Post("/" + method)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("telegram %s: %w", method, err)
		}

		var env apiResponse
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			apiErr := &APIError{Method: method, Code: resp.StatusCode(), Description: "undecodable response"}
			if apiErr.Retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if !env.OK {
			apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
			if apiErr.Code == 0 {
				apiErr.Code = resp.StatusCode()
			}
			if env.Parameters != nil {
				apiErr.RetryAfter = env.Parameters.RetryAfter
			}
			if apiErr.Retryable() {
				after := time.Duration(apiErr.RetryAfter) * time.Second
				if after > maxRetryAfter {
					return backoff.Permanent(apiErr)
				}
				wait.after = after
				c.log.Warn().Str("method", method).Int("code", apiErr.Code).Int("retry_after", apiErr.RetryAfter).Msg("telegram call failed, retrying")
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return backoff.Permanent(fmt.Errorf("telegram %s: decode result: %w", method, err))
			}
		}
		return nil
	}

	if !retry {
		err := attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = 30 * time.Second
	exp.Reset()
	wait.BackOff = backoff.WithMaxRetries(exp, c.maxRetries)
	return backoff.Retry(attempt, backoff.WithContext(&wait, ctx))
}

// maxRetryAfter caps how long a flood-control reply may hold a call; longer waits fail fast.
const maxRetryAfter = time.Minute

// retryAfterBackOff waits at least as long as Telegram's last retry_after asked for.
type retryAfterBackOff struct {
	backoff.BackOff
	after time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.after > next {
		next = b.after
	}
	b.after = 0
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.after = 0
	b.BackOff.Reset()
}

func keyboard(controls [][]core.Control) *InlineKeyboard {
	kb := &InlineKeyboard{InlineKeyboard: make([][]InlineButton, 0, len(controls))}
	for _, row := range controls {
		buttons := make([]InlineButton, 0, len(row))
		for _, ctl := range row {
			buttons = append(buttons, InlineButton{Text: ctl.Label, CallbackData: ctl.Payload})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, buttons)
	}
	return kb
}
