// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package notify turns ledger results into Telegram messages.
//
// Every text comes from the catalog's message templates, which produce
// Markdown that is converted to Telegram entities before sending.
package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/logger"
	"go.astrophena.name/starshop/internal/telegram"
	"go.astrophena.name/starshop/internal/tgmarkup"
)

// Currency is the invoice currency for payments in Telegram Stars.
const Currency = "XTR"

// SendStarsData is the callback data of the button that opens the catalog.
const SendStarsData = "send_stars"

// Sender is the part of the Bot API the gateway uses. It is implemented by
// [telegram.Client].
type Sender interface {
	SendMessage(ctx context.Context, p telegram.SendMessageParams) (*telegram.Message, error)
	SendPhoto(ctx context.Context, p telegram.SendPhotoParams) (*telegram.Message, error)
	SendInvoice(ctx context.Context, p telegram.SendInvoiceParams) (*telegram.Message, error)
	AnswerCallbackQuery(ctx context.Context, p telegram.AnswerCallbackQueryParams) error
	AnswerPreCheckoutQuery(ctx context.Context, p telegram.AnswerPreCheckoutQueryParams) error
}

var _ Sender = (*telegram.Client)(nil)

// Gateway sends messages to buyers and to the admin.
type Gateway struct {
	catalog *catalog.Catalog
	tg      Sender
	adminID int64
}

// New returns a new Gateway. Notices meant for the admin go to adminID.
func New(cat *catalog.Catalog, tg Sender, adminID int64) *Gateway {
	return &Gateway{catalog: cat, tg: tg, adminID: adminID}
}

// AdminID returns the chat that receives admin notices.
func (g *Gateway) AdminID() int64 { return g.adminID }

func (g *Gateway) render(key string, data any) (tgmarkup.Message, error) {
	md, err := g.catalog.Render(key, data)
	if err != nil {
		return tgmarkup.Message{}, fmt.Errorf("rendering %q: %w", key, err)
	}
	return tgmarkup.FromMarkdown(md), nil
}

// Text renders the message key with data and sends it to chatID.
func (g *Gateway) Text(ctx context.Context, chatID int64, key string, data any) error {
	msg, err := g.render(key, data)
	if err != nil {
		return err
	}
	return g.send(ctx, chatID, msg, nil)
}

// Markdown sends Markdown text to chatID as is.
func (g *Gateway) Markdown(ctx context.Context, chatID int64, md string) error {
	return g.send(ctx, chatID, tgmarkup.FromMarkdown(md), nil)
}

func (g *Gateway) send(ctx context.Context, chatID int64, msg tgmarkup.Message, markup *telegram.InlineKeyboardMarkup) error {
	if msg.Text == "" {
		return errors.New("notify: empty message")
	}
	// Entity offsets don't survive splitting, so long texts go out plain.
	if utf8.RuneCountInString(msg.Text) > telegram.MaxMessageLength {
		var errs []error
		for _, chunk := range telegram.Split(msg.Text) {
			_, err := g.tg.SendMessage(ctx, telegram.SendMessageParams{
				ChatID:  chatID,
				Message: tgmarkup.Message{Text: chunk},
			})
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	_, err := g.tg.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:      chatID,
		Message:     msg,
		ReplyMarkup: markup,
	})
	return err
}

// Welcome greets a user with a button that opens the catalog. If the catalog
// has a welcome image, the greeting is its caption.
func (g *Gateway) Welcome(ctx context.Context, chatID int64) error {
	msg, err := g.render("welcome", nil)
	if err != nil {
		return err
	}
	label, err := g.catalog.Render("send_stars_button", nil)
	if err != nil {
		return err
	}
	markup := &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{
			{Text: label, CallbackData: SendStarsData},
		}},
	}

	img := g.catalog.WelcomeImage()
	if img == "" {
		return g.send(ctx, chatID, msg, markup)
	}
	if _, err := g.tg.SendPhoto(ctx, telegram.SendPhotoParams{
		ChatID:          chatID,
		Photo:           img,
		Caption:         msg.Text,
		CaptionEntities: msg.Entities,
		ReplyMarkup:     markup,
	}); err != nil {
		// A broken image must not hide the store.
		logger.Get(ctx).Warn("sending welcome photo failed", "chat_id", chatID, "err", err)
		return g.send(ctx, chatID, msg, markup)
	}
	return nil
}

// Help sends the help text.
func (g *Gateway) Help(ctx context.Context, chatID int64) error {
	return g.Text(ctx, chatID, "help", nil)
}

// Catalog sends the item keyboard, one button per item.
func (g *Gateway) Catalog(ctx context.Context, chatID int64) error {
	msg, err := g.render("choose_item", nil)
	if err != nil {
		return err
	}
	markup := &telegram.InlineKeyboardMarkup{}
	for _, item := range g.catalog.Items() {
		label, err := g.catalog.Render("item_button", item)
		if err != nil {
			return err
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, []telegram.InlineKeyboardButton{
			{Text: label, CallbackData: item.ID},
		})
	}
	return g.send(ctx, chatID, msg, markup)
}

// Invoice sends an invoice in Telegram Stars for item. The payload is the
// item id.
func (g *Gateway) Invoice(ctx context.Context, chatID int64, item catalog.Item) error {
	_, err := g.tg.SendInvoice(ctx, telegram.SendInvoiceParams{
		ChatID:      chatID,
		Title:       item.Name,
		Description: cmp.Or(item.Description, item.Name), // required by Telegram
		Payload:     item.ID,
		Currency:    Currency,
		Prices:      []telegram.LabeledPrice{{Label: item.Name, Amount: item.Price}},
	})
	return err
}

// AnswerCallback acknowledges a button press. If key is not empty, the
// rendered message is shown to the user.
func (g *Gateway) AnswerCallback(ctx context.Context, queryID, key string) error {
	p := telegram.AnswerCallbackQueryParams{CallbackQueryID: queryID}
	if key != "" {
		text, err := g.catalog.Render(key, nil)
		if err != nil {
			return err
		}
		p.Text = text
	}
	return g.tg.AnswerCallbackQuery(ctx, p)
}

// AnswerPrecheckout approves or rejects a checkout. A rejection shows the
// rendered message reason to the buyer.
func (g *Gateway) AnswerPrecheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	p := telegram.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		text, err := g.catalog.Render(reason, nil)
		if err != nil {
			return err
		}
		p.ErrorMessage = text
	}
	return g.tg.AnswerPreCheckoutQuery(ctx, p)
}

// Unauthorized tells a user that a command is for the admin only.
func (g *Gateway) Unauthorized(ctx context.Context, chatID int64) error {
	return g.Text(ctx, chatID, "unauthorized", nil)
}

// PurchaseRecorded reports the result of recording p, as returned by
// [ledger.Ledger.RecordPurchase], to the buyer and the admin.
//
// The buyer gets a receipt with the item payload whenever the purchase is
// recorded. Warnings and rejections are only detailed to the admin.
// Duplicates are reported to the admin alone, because the buyer already has
// a receipt.
func (g *Gateway) PurchaseRecorded(ctx context.Context, p ledger.Purchase, rec *ledger.Record, err error) error {
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return g.Text(ctx, g.adminID, "admin_duplicate", struct{ ID string }{rec.ID})
	}
	if err != nil && !ledger.IsWarning(err) {
		return errors.Join(
			g.Text(ctx, p.BuyerID, "purchase_failed", nil),
			g.Text(ctx, g.adminID, "admin_rejected", struct {
				ID        string
				BuyerName string
				Err       error
			}{p.ChargeID, p.BuyerName, err}),
		)
	}

	item, _ := g.catalog.Lookup(rec.ItemID)
	errs := []error{
		g.Text(ctx, p.BuyerID, "purchase_receipt", struct {
			Amount  int64
			Payload string
		}{rec.Amount, item.Payload}),
		g.Text(ctx, g.adminID, "admin_purchase", struct {
			BuyerName string
			Amount    int64
			ItemName  string
			ID        string
		}{rec.BuyerName, rec.Amount, item.Name, rec.ID}),
	}
	var (
		pm *ledger.PriceMismatchError
		pe *ledger.PersistenceError
	)
	if errors.As(err, &pm) {
		errs = append(errs, g.Text(ctx, g.adminID, "admin_price_mismatch", struct {
			ID        string
			Amount    int64
			ListPrice int64
		}{rec.ID, pm.Amount, pm.ListPrice}))
	}
	if errors.As(err, &pe) {
		errs = append(errs, g.Text(ctx, g.adminID, "admin_persistence", struct {
			ID  string
			Err error
		}{rec.ID, pe.Err}))
	}
	return errors.Join(errs...)
}

// RefundOutcome reports the result of refunding id, as returned by
// [ledger.Ledger.Refund], to the admin in chatID. The buyer is told when the
// refund was applied.
func (g *Gateway) RefundOutcome(ctx context.Context, chatID int64, id string, res *ledger.RefundResult, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return g.Text(ctx, chatID, "refund_not_found", struct{ ID string }{id})
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		return g.Text(ctx, chatID, "refund_already", struct{ ID string }{id})
	case err != nil && !ledger.IsWarning(err):
		logger.Get(ctx).Error("refund failed", "id", id, "err", err)
		return g.Text(ctx, chatID, "refund_failed", nil)
	}

	errs := []error{
		g.Text(ctx, chatID, "refund_success", struct {
			Amount    int64
			ID        string
			BuyerName string
		}{res.Amount, res.Record.ID, res.Record.BuyerName}),
	}
	var pe *ledger.PersistenceError
	if errors.As(err, &pe) {
		errs = append(errs, g.Text(ctx, chatID, "refund_persistence", struct {
			ID  string
			Err error
		}{res.Record.ID, pe.Err}))
	}
	errs = append(errs, g.Text(ctx, res.BuyerID, "buyer_refunded", struct {
		ID     string
		Amount int64
	}{res.Record.ID, res.Amount}))
	return errors.Join(errs...)
}

// History sends the transactions of buyerID, in insertion order, with the
// buyer's totals.
func (g *Gateway) History(ctx context.Context, chatID, buyerID int64, records []*ledger.Record, purchased, refunded int64) error {
	if len(records) == 0 {
		return g.Text(ctx, chatID, "history_empty", struct{ BuyerID int64 }{buyerID})
	}
	return g.Text(ctx, chatID, "history", struct {
		BuyerID   int64
		Records   []*ledger.Record
		Purchased int64
		Refunded  int64
	}{buyerID, records, purchased, refunded})
}
