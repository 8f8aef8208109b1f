// Package telegram delivers bridge notifications through the Telegram Bot
// API. It implements the pipeline's ChatSender: events render as HTML
// messages, approval options become inline keyboard buttons whose callback
// data round-trips through the webhook as "{action}_{task_id}".
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	bk "github.com/okrause/bridgekeeper"
)

const defaultAPIBase = "https://api.telegram.org"

// apiResponse is the generic wrapper for all Bot API responses.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageReq struct {
	ChatID      string          `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

// Bot is a minimal Bot API client.
type Bot struct {
	token   string
	apiBase string
	client  *http.Client
}

var _ bk.ChatSender = (*Bot)(nil)

// New creates a client. apiBase overrides the production endpoint in tests.
func New(token, apiBase string) *Bot {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Bot{
		token:   token,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SendEvent renders ev and posts it to target, attaching response options
// as an inline keyboard when present.
func (b *Bot) SendEvent(ctx context.Context, target string, ev bk.Event) error {
	req := sendMessageReq{
		ChatID:    target,
		Text:      renderEvent(ev),
		ParseMode: "HTML",
	}
	if kb := keyboardFor(ev); kb != nil {
		req.ReplyMarkup = kb
	}
	return b.call(ctx, "sendMessage", req)
}

// SendText posts a plain message.
func (b *Bot) SendText(ctx context.Context, target, text string) error {
	return b.call(ctx, "sendMessage", sendMessageReq{ChatID: target, Text: text})
}

// call posts one Bot API method and maps failures onto the error taxonomy:
// 429 is retryable with the server's retry_after, 5xx is a transient remote
// fault, 4xx is permanent.
func (b *Bot) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return bk.Errf(bk.CodeProcessing, "encode %s request", method).WithCause(err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return bk.Errf(bk.CodeProcessing, "build %s request", method).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return bk.Errf(bk.CodeConnection, "telegram %s", method).
			Transient(0).
			WithCause(err).
			WithOperation("telegram", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return bk.Errf(bk.CodeConnection, "read telegram %s response", method).
			Transient(0).
			WithCause(err)
	}
	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return bk.Errf(bk.CodeRemote, "telegram %s returned unparseable body (HTTP %d)", method, resp.StatusCode).
			Transient(0)
	}
	if api.OK {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return bk.Errf(bk.CodeRateLimited, "telegram rate limited: %s", api.Description).
			Transient(retryAfter).
			WithOperation("telegram", method)
	case resp.StatusCode >= 500:
		return bk.Errf(bk.CodeRemote, "telegram %s failed (%d): %s", method, api.ErrorCode, api.Description).
			Transient(0).
			WithOperation("telegram", method)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return bk.Errf(bk.CodeAuthFailed, "telegram rejected token: %s", api.Description).
			Severe(bk.SeverityHigh).
			WithOperation("telegram", method)
	default:
		return bk.Errf(bk.CodeRemote, "telegram %s failed (%d): %s", method, api.ErrorCode, api.Description).
			WithOperation("telegram", method)
	}
}

// keyboardFor maps response options onto callback buttons. Known options
// use their canonical action; anything else falls back to acknowledge so
// the callback still parses.
func keyboardFor(ev bk.Event) *inlineKeyboard {
	if len(ev.Data.Options) == 0 {
		return nil
	}
	row := make([]inlineButton, 0, len(ev.Data.Options))
	for _, opt := range ev.Data.Options {
		row = append(row, inlineButton{
			Text:         opt,
			CallbackData: actionFor(opt) + "_" + ev.TaskID,
		})
	}
	return &inlineKeyboard{InlineKeyboard: [][]inlineButton{row}}
}

func actionFor(option string) string {
	switch strings.ToLower(strings.TrimSpace(option)) {
	case "approve", "yes", "ok", "confirm":
		return string(bk.ActionApprove)
	case "deny", "no", "reject", "cancel":
		return string(bk.ActionDeny)
	case "details", "more":
		return string(bk.ActionDetails)
	default:
		return string(bk.ActionAcknowledge)
	}
}
