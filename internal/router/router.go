// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package router decodes Telegram updates into intents and dispatches them
// to the ledger and the notification gateway.
package router

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/logger"
	"go.astrophena.name/starshop/internal/notify"
	"go.astrophena.name/starshop/internal/store"
	"go.astrophena.name/starshop/internal/telegram"
)

// ErrUnauthorized is returned when a user who isn't the admin runs an admin
// command. Such requests never reach the ledger.
var ErrUnauthorized = errors.New("only the admin can use this command")

// DefaultPendingTTL is how long an admin conversation waits for input.
const DefaultPendingTTL = 5 * time.Minute

// Config configures a Router.
type Config struct {
	Ledger  *ledger.Ledger
	Catalog *catalog.Catalog
	// Gateway also decides who the admin is: admin commands are accepted
	// only from the chat that receives admin notices.
	Gateway *notify.Gateway
	// Pending holds admin conversation state. Entries must expire. If nil,
	// an in-memory store with DefaultPendingTTL is used.
	Pending store.Store
}

// Router handles updates. It is safe for concurrent use.
type Router struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	gw      *notify.Gateway
	adminID int64
	pending store.Store
}

// New returns a new Router. The in-memory pending store, if one is created,
// stops cleaning up when ctx is canceled.
func New(ctx context.Context, cfg Config) (*Router, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("router: Ledger is nil")
	case cfg.Catalog == nil:
		return nil, errors.New("router: Catalog is nil")
	case cfg.Gateway == nil:
		return nil, errors.New("router: Gateway is nil")
	case cfg.Gateway.AdminID() == 0:
		return nil, errors.New("router: Gateway has no admin chat")
	}
	r := &Router{
		ledger:  cfg.Ledger,
		catalog: cfg.Catalog,
		gw:      cfg.Gateway,
		adminID: cfg.Gateway.AdminID(),
		pending: cfg.Pending,
	}
	if r.pending == nil {
		r.pending = store.NewMemStore(ctx, DefaultPendingTTL)
	}
	return r, nil
}

func (r *Router) authorize(userID int64) error {
	if userID != r.adminID {
		return ErrUnauthorized
	}
	return nil
}

// Handle handles one update. The returned error reports failures to deliver
// replies or to keep conversation state; it is meant for logging only, as
// every outcome has already been replied to.
func (r *Router) Handle(ctx context.Context, u *telegram.Update) error {
	in := Decode(u)
	log := logger.Get(ctx).With("update_id", u.UpdateID, "intent", in.Kind.String(), "user_id", in.UserID)
	ctx = logger.Put(ctx, &logger.Logger{Logger: log, Level: logger.Get(ctx).Level})
	log.Debug("handling update")

	if in.IsCommand() && in.Kind != KindCancel && in.UserID == r.adminID {
		// Another command abandons whatever the admin was doing.
		if err := r.clearPending(ctx, in.UserID); err != nil {
			log.Warn("clearing pending state failed", "err", err)
		}
	}

	switch in.Kind {
	case KindStart:
		return r.gw.Welcome(ctx, in.ChatID)
	case KindHelp:
		return r.gw.Help(ctx, in.ChatID)
	case KindSelectCatalog:
		return errors.Join(
			r.gw.AnswerCallback(ctx, in.QueryID, ""),
			r.gw.Catalog(ctx, in.ChatID),
		)
	case KindPurchase:
		return r.purchase(ctx, in)
	case KindPrecheckout:
		return r.precheckout(ctx, in)
	case KindPaymentConfirmed:
		return r.paymentConfirmed(ctx, in)
	case KindRefund, KindHistory, KindNotify, KindCancel, KindText:
		return r.admin(ctx, in)
	}
	log.Debug("ignoring update")
	return nil
}

func (r *Router) purchase(ctx context.Context, in Intent) error {
	item, ok := r.catalog.Lookup(in.Arg)
	if !ok {
		logger.Get(ctx).Info("unknown item pressed", "item_id", in.Arg)
		return r.gw.AnswerCallback(ctx, in.QueryID, "item_unavailable")
	}
	return errors.Join(
		r.gw.AnswerCallback(ctx, in.QueryID, ""),
		r.gw.Invoice(ctx, in.ChatID, item),
	)
}

// precheckout approves a checkout only if it is for a catalog item at its
// current price in Stars.
func (r *Router) precheckout(ctx context.Context, in Intent) error {
	q := in.Precheckout
	item, ok := r.catalog.Lookup(q.InvoicePayload)
	switch {
	case !ok:
		logger.Get(ctx).Warn("checkout for unknown item", "item_id", q.InvoicePayload)
		return r.gw.AnswerPrecheckout(ctx, in.QueryID, false, "precheckout_invalid_item")
	case q.Currency != notify.Currency || q.TotalAmount != item.Price:
		logger.Get(ctx).Warn("checkout price differs from catalog",
			"item_id", item.ID, "currency", q.Currency, "amount", q.TotalAmount, "price", item.Price)
		return r.gw.AnswerPrecheckout(ctx, in.QueryID, false, "precheckout_price_changed")
	}
	return r.gw.AnswerPrecheckout(ctx, in.QueryID, true, "")
}

func (r *Router) paymentConfirmed(ctx context.Context, in Intent) error {
	pay := in.Payment
	log := logger.Get(ctx)
	if pay.Currency != notify.Currency {
		log.Warn("payment in unexpected currency", "currency", pay.Currency)
	}

	p := ledger.Purchase{
		BuyerID:   in.UserID,
		BuyerName: in.UserName,
		ItemID:    pay.InvoicePayload,
		Amount:    pay.TotalAmount,
		ChargeID:  pay.TelegramPaymentChargeID,
	}
	rec, err := r.ledger.RecordPurchase(ctx, p)
	switch {
	case err == nil:
		log.Info("purchase recorded", "id", rec.ID, "item_id", rec.ItemID, "amount", rec.Amount)
	case ledger.IsWarning(err):
		log.Warn("purchase recorded with warnings", "id", rec.ID, "err", err)
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		log.Info("duplicate payment ignored", "id", rec.ID)
	default:
		log.Error("purchase rejected", "charge_id", p.ChargeID, "item_id", p.ItemID, "err", err)
	}
	return r.gw.PurchaseRecorded(ctx, p, rec, err)
}

// admin handles the admin commands and input for pending conversations.
func (r *Router) admin(ctx context.Context, in Intent) error {
	if err := r.authorize(in.UserID); err != nil {
		if in.Kind == KindText {
			// Buyers chatting get no reply.
			return nil
		}
		logger.Get(ctx).Info("unauthorized command", "err", err)
		return r.gw.Unauthorized(ctx, in.ChatID)
	}

	switch in.Kind {
	case KindRefund:
		if in.Arg == "" {
			return r.prompt(ctx, in, Pending{State: StateAwaitingTargetID, Flow: FlowRefund}, "refund_prompt", nil)
		}
		return r.refund(ctx, in.ChatID, in.UserID, in.Arg)
	case KindHistory:
		return r.history(ctx, in)
	case KindNotify:
		return r.startNotify(ctx, in)
	case KindCancel:
		return r.cancel(ctx, in)
	case KindText:
		return r.continueFlow(ctx, in)
	}
	return nil
}

// prompt moves the conversation to p and asks for input.
func (r *Router) prompt(ctx context.Context, in Intent, p Pending, key string, data any) error {
	if err := r.setPending(ctx, in.UserID, p); err != nil {
		logger.Get(ctx).Error("saving pending state failed", "err", err)
		if p.Flow == FlowRefund {
			return errors.Join(err, r.gw.Text(ctx, in.ChatID, "refund_usage", nil))
		}
		return errors.Join(err, r.gw.Text(ctx, in.ChatID, "notify_failed", struct {
			Target int64
			Err    error
		}{p.Target, err}))
	}
	return r.gw.Text(ctx, in.ChatID, key, data)
}

func (r *Router) refund(ctx context.Context, chatID, requesterID int64, id string) error {
	res, err := r.ledger.Refund(ctx, requesterID, id)
	log := logger.Get(ctx)
	switch {
	case err == nil:
		log.Info("refunded", "id", id, "amount", res.Amount, "buyer_id", res.BuyerID)
	case ledger.IsWarning(err):
		log.Warn("refunded with warnings", "id", id, "err", err)
	default:
		log.Info("refund rejected", "id", id, "err", err)
	}
	return r.gw.RefundOutcome(ctx, chatID, id, res, err)
}

func (r *Router) history(ctx context.Context, in Intent) error {
	buyerID, err := strconv.ParseInt(in.Arg, 10, 64)
	if err != nil {
		return r.gw.Text(ctx, in.ChatID, "history_usage", nil)
	}
	records := r.ledger.ListByUser(buyerID)
	var refunded int64
	for _, rec := range records {
		if rec.Refunded() {
			refunded += rec.Amount
		}
	}
	return r.gw.History(ctx, in.ChatID, buyerID, records, r.ledger.PurchaseTotal(buyerID), refunded)
}

// startNotify accepts "/notify", "/notify ID" and "/notify ID text".
func (r *Router) startNotify(ctx context.Context, in Intent) error {
	if in.Arg == "" {
		return r.prompt(ctx, in, Pending{State: StateAwaitingTargetID, Flow: FlowNotify}, "notify_prompt_target", nil)
	}
	idStr, body := splitArg(in.Arg)
	target, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return r.prompt(ctx, in, Pending{State: StateAwaitingTargetID, Flow: FlowNotify}, "notify_bad_target", nil)
	}
	if body != "" {
		return r.deliver(ctx, in.ChatID, target, body)
	}
	return r.prompt(ctx, in,
		Pending{State: StateAwaitingMessageBody, Flow: FlowNotify, Target: target},
		"notify_prompt_body", struct{ Target int64 }{target})
}

func (r *Router) deliver(ctx context.Context, chatID, target int64, body string) error {
	if err := r.gw.Markdown(ctx, target, body); err != nil {
		logger.Get(ctx).Warn("delivering admin message failed", "target", target, "err", err)
		return r.gw.Text(ctx, chatID, "notify_failed", struct {
			Target int64
			Err    error
		}{target, err})
	}
	return r.gw.Text(ctx, chatID, "notify_sent", struct{ Target int64 }{target})
}

func (r *Router) cancel(ctx context.Context, in Intent) error {
	p, err := r.Pending(ctx, in.UserID)
	if err != nil {
		logger.Get(ctx).Warn("reading pending state failed", "err", err)
	}
	if p.State == StateIdle {
		return r.gw.Text(ctx, in.ChatID, "nothing_to_cancel", nil)
	}
	return errors.Join(
		r.clearPending(ctx, in.UserID),
		r.gw.Text(ctx, in.ChatID, "cancelled", nil),
	)
}

// continueFlow feeds text to the admin's pending conversation, if any.
func (r *Router) continueFlow(ctx context.Context, in Intent) error {
	p, err := r.Pending(ctx, in.UserID)
	if err != nil {
		return err
	}

	switch {
	case p.State == StateAwaitingTargetID && p.Flow == FlowRefund:
		return errors.Join(
			r.clearPending(ctx, in.UserID),
			r.refund(ctx, in.ChatID, in.UserID, in.Arg),
		)

	case p.State == StateAwaitingTargetID && p.Flow == FlowNotify:
		target, err := strconv.ParseInt(in.Arg, 10, 64)
		if err != nil {
			// Stay in the same state.
			return r.gw.Text(ctx, in.ChatID, "notify_bad_target", nil)
		}
		return r.prompt(ctx, in,
			Pending{State: StateAwaitingMessageBody, Flow: FlowNotify, Target: target},
			"notify_prompt_body", struct{ Target int64 }{target})

	case p.State == StateAwaitingMessageBody && p.Flow == FlowNotify:
		return errors.Join(
			r.clearPending(ctx, in.UserID),
			r.deliver(ctx, in.ChatID, p.Target, in.Arg),
		)
	}

	logger.Get(ctx).Debug("no pending conversation for text")
	return nil
}

// Close releases the pending store.
func (r *Router) Close() error {
	return r.pending.Close()
}
