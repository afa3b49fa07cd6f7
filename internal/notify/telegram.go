package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/werr"
)

// telegramMaxTextLen is the Bot API limit on message text.
const telegramMaxTextLen = 4096

// Telegram talks to the Telegram Bot API. It is both a Notifier (sendMessage
// with optional inline keyboards) and a Source (getUpdates long-polling —
// no webhook needed).
type Telegram struct {
	token   string
	chatID  int64
	baseURL string
	offset  int
	timeout int // long-poll timeout in seconds
	logger  zerolog.Logger
	client  *http.Client
}

// TelegramOption configures Telegram.
type TelegramOption func(*Telegram)

func TelegramWithPollTimeout(secs int) TelegramOption {
	return func(t *Telegram) { t.timeout = secs }
}

func TelegramWithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) { t.client = c }
}

// NewTelegram creates a Telegram channel for the given bot token and
// recipient chat.
func NewTelegram(token string, chatID int64, logger zerolog.Logger, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org/bot" + token,
		timeout: 30,
		logger:  logger.With().Str("component", "notify.telegram").Logger(),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Telegram) Name() string    { return "telegram" }
func (t *Telegram) MaxTextLen() int { return telegramMaxTextLen }

// Send posts one message to the configured chat. Rate-limit responses are
// returned as *werr.RateLimitError carrying Telegram's retry_after.
func (t *Telegram) Send(ctx context.Context, text string, actions []Action) (string, error) {
	req := tgSendMessageRequest{
		ChatID: t.chatID,
		Text:   text,
	}
	if kb := buildKeyboard(actions); kb != nil {
		req.ReplyMarkup = &tgReplyMarkup{InlineKeyboard: kb}
	}

	var resp tgSendMessageResponse
	if err := t.post(ctx, "sendMessage", req, &resp); err != nil {
		return "", err
	}
	return strconv.Itoa(resp.Result.MessageID), nil
}

// Subscribe starts long-polling for updates in a goroutine. Message and
// callback_query updates are decoded into typed Updates.
func (t *Telegram) Subscribe(ctx context.Context, out chan<- Update) error {
	go t.poll(ctx, out)
	return nil
}

func (t *Telegram) poll(ctx context.Context, out chan<- Update) {
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error().Err(err).Msg("telegram getUpdates")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		for _, upd := range updates {
			if u, ok := t.decode(ctx, upd); ok {
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
			t.offset = maxInt(t.offset, upd.UpdateID+1)
		}
	}
}

// decode converts one raw update into a typed Update. Callback queries are
// acknowledged immediately so the client stops its spinner.
func (t *Telegram) decode(ctx context.Context, upd tgUpdate) (Update, bool) {
	switch {
	case upd.CallbackQuery != nil:
		t.answerCallback(ctx, upd.CallbackQuery.ID)
		action, err := ParseAction(upd.CallbackQuery.Data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping unparseable callback")
			return Update{}, false
		}
		return Update{
			Kind:       UpdateCallback,
			Action:     action,
			ReceivedAt: time.Now().UTC(),
		}, true

	case upd.Message != nil && upd.Message.Text != "":
		u := Update{
			Kind:       UpdateMessage,
			Text:       upd.Message.Text,
			ReceivedAt: time.Now().UTC(),
		}
		if upd.Message.ReplyToMessage != nil {
			u.ReplyToID = strconv.Itoa(upd.Message.ReplyToMessage.MessageID)
		}
		return u, true
	}
	return Update{}, false
}

func (t *Telegram) answerCallback(ctx context.Context, callbackID string) {
	var resp tgBoolResponse
	if err := t.post(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": callbackID}, &resp); err != nil {
		t.logger.Debug().Err(err).Msg("answerCallbackQuery")
	}
}

// ---- Telegram API wire types ----

type tgSendMessageRequest struct {
	ChatID      int64          `json:"chat_id"`
	Text        string         `json:"text"`
	ReplyMarkup *tgReplyMarkup `json:"reply_markup,omitempty"`
}

type tgReplyMarkup struct {
	InlineKeyboard [][]tgInlineButton `json:"inline_keyboard"`
}

type tgInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type tgSendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

type tgBoolResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

type tgGetUpdatesResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

type tgUpdate struct {
	UpdateID      int              `json:"update_id"`
	Message       *tgMessage       `json:"message,omitempty"`
	CallbackQuery *tgCallbackQuery `json:"callback_query,omitempty"`
}

type tgMessage struct {
	MessageID      int        `json:"message_id"`
	Text           string     `json:"text"`
	ReplyToMessage *tgMessage `json:"reply_to_message,omitempty"`
}

type tgCallbackQuery struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (t *Telegram) post(ctx context.Context, method string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &werr.ChannelError{Channel: "telegram", Message: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &werr.ChannelError{Channel: "telegram", StatusCode: resp.StatusCode, Message: method, Err: err}
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return &werr.ChannelError{Channel: "telegram", StatusCode: resp.StatusCode, Message: "unmarshal " + method, Err: err}
	}

	if sm, ok := result.(*tgSendMessageResponse); ok && !sm.OK {
		if sm.ErrorCode == http.StatusTooManyRequests && sm.Parameters != nil {
			return &werr.RateLimitError{
				Channel:    "telegram",
				RetryAfter: time.Duration(sm.Parameters.RetryAfter) * time.Second,
			}
		}
		return werr.NewChannelError("telegram", sm.ErrorCode, sm.Description)
	}
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{
		"offset":          []string{strconv.Itoa(t.offset)},
		"timeout":         []string{strconv.Itoa(t.timeout)},
		"allowed_updates": []string{`["message","callback_query"]`},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result tgGetUpdatesResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram api returned ok=false")
	}
	return result.Result, nil
}

// buildKeyboard renders actions as one row of inline buttons. Actions that
// fail to encode are skipped rather than failing the whole send.
func buildKeyboard(actions []Action) [][]tgInlineButton {
	if len(actions) == 0 {
		return nil
	}
	row := make([]tgInlineButton, 0, len(actions))
	for _, a := range actions {
		data, err := a.Encode()
		if err != nil {
			continue
		}
		label := a.Label
		if label == "" {
			label = string(a.Kind)
		}
		row = append(row, tgInlineButton{Text: label, CallbackData: data})
	}
	if len(row) == 0 {
		return nil
	}
	return [][]tgInlineButton{row}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
