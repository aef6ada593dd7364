// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package notifytest provides a fake Telegram sender for tests.
package notifytest

import (
	"context"
	"errors"
	"sync"

	"go.astrophena.name/starshop/internal/telegram"
)

// Sent is one recorded Bot API call.
type Sent struct {
	Method  string
	ChatID  int64    `json:",omitempty"`
	Text    string   `json:",omitempty"` // message text, caption, invoice title or answer text
	Buttons []string `json:",omitempty"` // callback data of inline buttons
	// Invoice fields.
	Payload  string `json:",omitempty"`
	Currency string `json:",omitempty"`
	Amount   int64  `json:",omitempty"`
	// Answers.
	QueryID string `json:",omitempty"`
	OK      bool   `json:",omitempty"`
}

// ErrFail is returned by a Recorder for chats in Fail.
var ErrFail = errors.New("notifytest: send failed")

// Recorder records calls instead of sending them. It is safe for concurrent
// use.
type Recorder struct {
	// Fail lists chats that calls fail for.
	Fail map[int64]bool

	mu   sync.Mutex
	sent []Sent
}

// Sent returns the recorded calls in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Reset forgets all recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

// Texts returns the texts of messages sent to chatID.
func (r *Recorder) Texts(chatID int64) []string {
	var texts []string
	for _, s := range r.Sent() {
		if s.ChatID == chatID && (s.Method == "sendMessage" || s.Method == "sendPhoto") {
			texts = append(texts, s.Text)
		}
	}
	return texts
}

func (r *Recorder) record(s Sent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
	if s.ChatID != 0 && r.Fail[s.ChatID] {
		return ErrFail
	}
	return nil
}

func buttons(m *telegram.InlineKeyboardMarkup) []string {
	if m == nil {
		return nil
	}
	var data []string
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			data = append(data, b.CallbackData)
		}
	}
	return data
}

func (r *Recorder) SendMessage(_ context.Context, p telegram.SendMessageParams) (*telegram.Message, error) {
	if err := r.record(Sent{Method: "sendMessage", ChatID: p.ChatID, Text: p.Text, Buttons: buttons(p.ReplyMarkup)}); err != nil {
		return nil, err
	}
	return &telegram.Message{Chat: telegram.Chat{ID: p.ChatID}, Text: p.Text}, nil
}

func (r *Recorder) SendPhoto(_ context.Context, p telegram.SendPhotoParams) (*telegram.Message, error) {
	if err := r.record(Sent{Method: "sendPhoto", ChatID: p.ChatID, Text: p.Caption, Buttons: buttons(p.ReplyMarkup)}); err != nil {
		return nil, err
	}
	return &telegram.Message{Chat: telegram.Chat{ID: p.ChatID}}, nil
}

func (r *Recorder) SendInvoice(_ context.Context, p telegram.SendInvoiceParams) (*telegram.Message, error) {
	var amount int64
	for _, price := range p.Prices {
		amount += price.Amount
	}
	if err := r.record(Sent{
		Method:   "sendInvoice",
		ChatID:   p.ChatID,
		Text:     p.Title,
		Payload:  p.Payload,
		Currency: p.Currency,
		Amount:   amount,
	}); err != nil {
		return nil, err
	}
	return &telegram.Message{Chat: telegram.Chat{ID: p.ChatID}}, nil
}

func (r *Recorder) AnswerCallbackQuery(_ context.Context, p telegram.AnswerCallbackQueryParams) error {
	return r.record(Sent{Method: "answerCallbackQuery", QueryID: p.CallbackQueryID, Text: p.Text})
}

func (r *Recorder) AnswerPreCheckoutQuery(_ context.Context, p telegram.AnswerPreCheckoutQueryParams) error {
	return r.record(Sent{Method: "answerPreCheckoutQuery", QueryID: p.PreCheckoutQueryID, OK: p.OK, Text: p.ErrorMessage})
}
