// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package router

import (
	"strconv"
	"strings"
	"unicode"

	"go.astrophena.name/starshop/internal/notify"
	"go.astrophena.name/starshop/internal/telegram"
)

// Kind is the kind of an inbound intent.
type Kind int

// Intent kinds.
const (
	KindUnknown Kind = iota
	KindStart
	KindHelp
	KindSelectCatalog    // "Send Stars" button
	KindPurchase         // item button
	KindPrecheckout      // checkout confirmation request
	KindPaymentConfirmed // successful_payment message
	KindRefund           // /refund
	KindHistory          // /history
	KindNotify           // /notify
	KindCancel           // /cancel
	KindText             // any other text, input for a pending flow
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindStart:            "start",
	KindHelp:             "help",
	KindSelectCatalog:    "select_catalog",
	KindPurchase:         "purchase",
	KindPrecheckout:      "precheckout",
	KindPaymentConfirmed: "payment_confirmed",
	KindRefund:           "refund",
	KindHistory:          "history",
	KindNotify:           "notify",
	KindCancel:           "cancel",
	KindText:             "text",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

var commands = map[string]Kind{
	"start":   KindStart,
	"help":    KindHelp,
	"refund":  KindRefund,
	"history": KindHistory,
	"notify":  KindNotify,
	"cancel":  KindCancel,
}

// Intent is what an update asks the bot to do.
type Intent struct {
	Kind     Kind
	ChatID   int64
	UserID   int64
	UserName string // "@username" or "ID:<id>"
	// Arg is the command argument, the pressed item id or the text.
	Arg     string
	QueryID string // callback or pre-checkout query id

	Precheckout *telegram.PreCheckoutQuery
	Payment     *telegram.SuccessfulPayment
}

// IsCommand reports whether the intent came from a slash command.
func (in Intent) IsCommand() bool {
	switch in.Kind {
	case KindStart, KindHelp, KindRefund, KindHistory, KindNotify, KindCancel:
		return true
	}
	return false
}

// DisplayName returns how a user is shown to the admin.
func DisplayName(u *telegram.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "ID:" + strconv.FormatInt(u.ID, 10)
}

// Decode decodes the intent of an update.
func Decode(u *telegram.Update) Intent {
	switch {
	case u.PreCheckoutQuery != nil:
		q := u.PreCheckoutQuery
		return Intent{
			Kind:        KindPrecheckout,
			ChatID:      q.From.ID,
			UserID:      q.From.ID,
			UserName:    DisplayName(&q.From),
			Arg:         q.InvoicePayload,
			QueryID:     q.ID,
			Precheckout: q,
		}

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		in := Intent{
			Kind:     KindPurchase,
			ChatID:   q.From.ID,
			UserID:   q.From.ID,
			UserName: DisplayName(&q.From),
			Arg:      q.Data,
			QueryID:  q.ID,
		}
		if q.Message != nil {
			in.ChatID = q.Message.Chat.ID
		}
		if q.Data == notify.SendStarsData {
			in.Kind = KindSelectCatalog
		}
		return in

	case u.Message != nil:
		m := u.Message
		in := Intent{ChatID: m.Chat.ID}
		if m.From != nil {
			in.UserID = m.From.ID
			in.UserName = DisplayName(m.From)
		}
		if m.SuccessfulPayment != nil {
			in.Kind = KindPaymentConfirmed
			in.Payment = m.SuccessfulPayment
			in.Arg = m.SuccessfulPayment.InvoicePayload
			return in
		}
		if m.Text == "" {
			return in
		}
		if name, arg, ok := parseCommand(m.Text); ok {
			if kind, known := commands[name]; known {
				in.Kind = kind
				in.Arg = arg
			}
			return in
		}
		in.Kind = KindText
		in.Arg = strings.TrimSpace(m.Text)
		return in
	}
	return Intent{}
}

// parseCommand splits "/name@bot arg" into its name and argument.
func parseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, arg = splitArg(text[1:])
	name, _, _ = strings.Cut(name, "@")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), arg, true
}

// splitArg splits s at the first whitespace.
func splitArg(s string) (first, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
