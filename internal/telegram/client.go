// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a small client for the parts of the Telegram Bot API
// that the shop uses.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"go.astrophena.name/starshop/internal/request"
)

const (
	// DefaultBaseURL is the Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	retryLimit     = 5 // N attempts when rate limited
)

// Config configures a Client.
type Config struct {
	Token string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// HTTPClient must allow requests longer than the getUpdates timeout. If
	// nil, a client with a 60-second timeout is used.
	HTTPClient *http.Client
	// Scrubber removes secrets from errors. The token is always scrubbed.
	Scrubber *strings.Replacer
	Logger   *slog.Logger
	// Limiter throttles outgoing requests. If nil, 30 requests per second
	// are allowed.
	Limiter *rate.Limiter
}

// Client calls the Telegram Bot API.
type Client struct {
	baseURL  string
	token    string
	httpc    *http.Client
	scrubber *strings.Replacer
	slog     *slog.Logger
	limiter  *rate.Limiter
	sleep    func(context.Context, time.Duration) bool
}

// New returns a new Client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		slog:     cfg.Logger,
		limiter:  cfg.Limiter,
		sleep:    sleep,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 60 * time.Second}
	}
	if c.scrubber == nil && c.token != "" {
		c.scrubber = strings.NewReplacer(c.token, "[EXPUNGED]")
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(30, 30)
	}
	return c
}

// Error is an error returned by the Bot API.
type Error struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

func call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	var (
		zero T
		err  error
	)
	for range retryLimit {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		var resp response[T]
		resp, err = request.Make[response[T]](ctx, request.Params{
			Method:     http.MethodPost,
			URL:        c.baseURL + "/bot" + c.token + "/" + method,
			Body:       args,
			HTTPClient: c.httpc,
			Scrubber:   c.scrubber,
		})
		if err == nil {
			if !resp.OK {
				return zero, &Error{Method: method, Code: resp.ErrorCode, Description: resp.Description}
			}
			return resp.Result, nil
		}

		err = asAPIError(method, err)
		wait, ok := isRateLimited(err)
		if !ok {
			return zero, err
		}
		c.slog.Warn("rate limited, waiting", slog.String("method", method), slog.Duration("wait", wait))
		if !c.sleep(ctx, wait) {
			return zero, ctx.Err()
		}
	}
	return zero, err
}

// asAPIError converts a non-200 response with a Bot API error body into an
// *Error. Other errors are returned as is.
func asAPIError(method string, err error) error {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	var resp response[json.RawMessage]
	if json.Unmarshal(statusErr.Body, &resp) != nil || resp.ErrorCode == 0 {
		return err
	}
	return &Error{
		Method:      method,
		Code:        resp.ErrorCode,
		Description: resp.Description,
		RetryAfter:  time.Duration(resp.Parameters.RetryAfter) * time.Second,
	}
}

func isRateLimited(err error) (time.Duration, bool) {
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	return apiErr.RetryAfter, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	return call[*User](ctx, c, "getMe", struct{}{})
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	return call[*Message](ctx, c, "sendMessage", p)
}

// SendPhoto sends a photo with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, p SendPhotoParams) (*Message, error) {
	return call[*Message](ctx, c, "sendPhoto", p)
}

// SendInvoice sends an invoice.
func (c *Client) SendInvoice(ctx context.Context, p SendInvoiceParams) (*Message, error) {
	return call[*Message](ctx, c, "sendInvoice", p)
}

// AnswerCallbackQuery stops the loading indicator on a pressed button.
func (c *Client) AnswerCallbackQuery(ctx context.Context, p AnswerCallbackQueryParams) error {
	_, err := call[bool](ctx, c, "answerCallbackQuery", p)
	return err
}

// AnswerPreCheckoutQuery confirms or rejects a checkout. Telegram expects the
// answer within 10 seconds of the query.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, p AnswerPreCheckoutQueryParams) error {
	_, err := call[bool](ctx, c, "answerPreCheckoutQuery", p)
	return err
}

// GetUpdates long-polls for updates with ids of at least offset, waiting up
// to timeout for one to arrive.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	return call[[]Update](ctx, c, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: AllowedUpdates,
	})
}

// SetWebhook makes Telegram deliver updates to url. Telegram sends secret in
// the X-Telegram-Bot-Api-Secret-Token header of every request.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := call[bool](ctx, c, "setWebhook", setWebhookParams{
		URL:            url,
		SecretToken:    secret,
		AllowedUpdates: AllowedUpdates,
	})
	return err
}

// DeleteWebhook removes the webhook, so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call[bool](ctx, c, "deleteWebhook", struct{}{})
	return err
}
