// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/notify"
	"go.astrophena.name/starshop/internal/notify/notifytest"
	"go.astrophena.name/starshop/internal/store"
	"go.astrophena.name/starshop/internal/telegram"
	"go.astrophena.name/starshop/internal/testutil"
)

const (
	adminID = 1
	buyerID = 42
)

type env struct {
	r      *Router
	ledger *ledger.Ledger
	rec    *notifytest.Recorder
}

func newTestRouter(t *testing.T, pending store.Store) *env {
	t.Helper()
	ctx := t.Context()
	cat := catalog.Default()
	l, err := ledger.New(ctx, ledger.Config{Catalog: cat})
	if err != nil {
		t.Fatal(err)
	}
	rec := &notifytest.Recorder{}
	r, err := New(ctx, Config{
		Ledger:  l,
		Catalog: cat,
		Gateway: notify.New(cat, rec, adminID),
		Pending: pending,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &env{r: r, ledger: l, rec: rec}
}

func (e *env) handle(t *testing.T, u *telegram.Update) {
	t.Helper()
	if err := e.r.Handle(t.Context(), u); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func textUpdate(from int64, text string) *telegram.Update {
	return &telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: from, Username: usernames[from]},
		Chat: telegram.Chat{ID: from},
		Text: text,
	}}
}

var usernames = map[int64]string{adminID: "admin", buyerID: "alice"}

func callbackUpdate(from int64, data string) *telegram.Update {
	return &telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "q1",
		From:    telegram.User{ID: from},
		Message: &telegram.Message{Chat: telegram.Chat{ID: from}},
		Data:    data,
	}}
}

func paymentUpdate(from int64, item string, amount int64, chargeID string) *telegram.Update {
	return &telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: from, Username: usernames[from]},
		Chat: telegram.Chat{ID: from},
		SuccessfulPayment: &telegram.SuccessfulPayment{
			Currency:                "XTR",
			TotalAmount:             amount,
			InvoicePayload:          item,
			TelegramPaymentChargeID: chargeID,
		},
	}}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New(t.Context(), Config{}); err == nil {
		t.Fatal("New with empty config succeeded")
	}

	cat := catalog.Default()
	l, err := ledger.New(t.Context(), ledger.Config{Catalog: cat})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(t.Context(), Config{
		Ledger:  l,
		Catalog: cat,
		Gateway: notify.New(cat, &notifytest.Recorder{}, 0),
	})
	if err == nil {
		t.Fatal("New with a gateway without admin chat succeeded")
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		u        *telegram.Update
		wantKind Kind
		wantArg  string
	}{
		"start":            {textUpdate(buyerID, "/start"), KindStart, ""},
		"start deep link":  {textUpdate(buyerID, "/start promo"), KindStart, "promo"},
		"help with bot":    {textUpdate(buyerID, "/help@StarShopBot"), KindHelp, ""},
		"refund":           {textUpdate(adminID, "/refund  c1 "), KindRefund, "c1"},
		"refund uppercase": {textUpdate(adminID, "/REFUND c1"), KindRefund, "c1"},
		"notify multiline": {textUpdate(adminID, "/notify 42\nhello"), KindNotify, "42\nhello"},
		"unknown command":  {textUpdate(buyerID, "/foo"), KindUnknown, ""},
		"text":             {textUpdate(adminID, " c1 "), KindText, "c1"},
		"send stars":       {callbackUpdate(buyerID, "send_stars"), KindSelectCatalog, "send_stars"},
		"item":             {callbackUpdate(buyerID, "stars_100"), KindPurchase, "stars_100"},
		"payment":          {paymentUpdate(buyerID, "stars_100", 100, "c1"), KindPaymentConfirmed, "stars_100"},
		"precheckout": {
			&telegram.Update{PreCheckoutQuery: &telegram.PreCheckoutQuery{ID: "p", InvoicePayload: "stars_100"}},
			KindPrecheckout, "stars_100",
		},
		"empty": {&telegram.Update{}, KindUnknown, ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := Decode(tc.u)
			testutil.AssertEqual(t, in.Kind, tc.wantKind)
			testutil.AssertEqual(t, in.Arg, tc.wantArg)
		})
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	testutil.AssertEqual(t, DisplayName(&telegram.User{ID: 42, Username: "alice"}), "@alice")
	testutil.AssertEqual(t, DisplayName(&telegram.User{ID: 42}), "ID:42")
	testutil.AssertEqual(t, DisplayName(nil), "")
}

func TestKindString(t *testing.T) {
	t.Parallel()
	testutil.AssertEqual(t, KindPaymentConfirmed.String(), "payment_confirmed")
	testutil.AssertEqual(t, Kind(100).String(), "Kind(100)")
}

func TestStartAndCatalog(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)

	e.handle(t, textUpdate(buyerID, "/start"))
	e.handle(t, callbackUpdate(buyerID, "send_stars"))

	sent := e.rec.Sent()
	testutil.AssertEqual(t, len(sent), 3)
	testutil.AssertEqual(t, sent[0].Method, "sendPhoto")
	testutil.AssertEqual(t, sent[0].Buttons, []string{"send_stars"})
	testutil.AssertEqual(t, sent[1], notifytest.Sent{Method: "answerCallbackQuery", QueryID: "q1"})
	testutil.AssertEqual(t, sent[2].Text, "Select item to buy:")
	testutil.AssertEqual(t, len(sent[2].Buttons), 5)
}

func TestPurchaseButton(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)

	e.handle(t, callbackUpdate(buyerID, "stars_200"))
	e.handle(t, callbackUpdate(buyerID, "stars_999"))

	testutil.AssertEqual(t, e.rec.Sent(), []notifytest.Sent{
		{Method: "answerCallbackQuery", QueryID: "q1"},
		{Method: "sendInvoice", ChatID: buyerID, Text: "FARM GIFT STAR ✨", Payload: "stars_200", Currency: "XTR", Amount: 200},
		{Method: "answerCallbackQuery", QueryID: "q1", Text: "This item is no longer available."},
	})
}

func TestPrecheckout(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		q        telegram.PreCheckoutQuery
		wantOK   bool
		wantText string
	}{
		"ok": {
			q:      telegram.PreCheckoutQuery{Currency: "XTR", TotalAmount: 100, InvoicePayload: "stars_100"},
			wantOK: true,
		},
		"unknown item": {
			q:        telegram.PreCheckoutQuery{Currency: "XTR", TotalAmount: 100, InvoicePayload: "stars_1"},
			wantText: "Invalid item.",
		},
		"wrong amount": {
			q:        telegram.PreCheckoutQuery{Currency: "XTR", TotalAmount: 90, InvoicePayload: "stars_100"},
			wantText: "The price has changed, please start over.",
		},
		"wrong currency": {
			q:        telegram.PreCheckoutQuery{Currency: "USD", TotalAmount: 100, InvoicePayload: "stars_100"},
			wantText: "The price has changed, please start over.",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newTestRouter(t, nil)
			q := tc.q
			q.ID = "pq"
			q.From = telegram.User{ID: buyerID}
			e.handle(t, &telegram.Update{PreCheckoutQuery: &q})
			testutil.AssertEqual(t, e.rec.Sent(), []notifytest.Sent{
				{Method: "answerPreCheckoutQuery", QueryID: "pq", OK: tc.wantOK, Text: tc.wantText},
			})
		})
	}
}

func TestPaymentConfirmed(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)

	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))

	rec, err := e.ledger.Lookup("c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, rec.BuyerID, int64(buyerID))
	testutil.AssertEqual(t, rec.BuyerName, "@alice")
	testutil.AssertEqual(t, rec.Amount, int64(100))
	testutil.AssertEqual(t, rec.Status, ledger.StatusActive)
	testutil.AssertEqual(t, e.ledger.PurchaseTotal(buyerID), int64(100))

	testutil.AssertEqual(t, e.rec.Texts(buyerID), []string{"✅ 100⭐ successfully sent!\nWaiting for admin payment."})
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{"📩 User @alice sent 100⭐ for FARM GIFT STAR ✨\nTransaction ID: c1"})

	// Telegram may deliver the same update twice.
	e.rec.Reset()
	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))
	testutil.AssertEqual(t, e.ledger.PurchaseTotal(buyerID), int64(100))
	testutil.AssertEqual(t, len(e.rec.Texts(buyerID)), 0)
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{"ℹ️ Duplicate payment for transaction c1 ignored."})
}

func TestPaymentWithoutUsername(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	u := paymentUpdate(7, "stars_500", 500, "c7")
	e.handle(t, u)
	rec, err := e.ledger.Lookup("c7")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, rec.BuyerName, "ID:7")
}

func TestRefundCommand(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))
	e.rec.Reset()

	e.handle(t, textUpdate(adminID, "/refund c1"))
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"✅ Refund successful! 100⭐ added to admin balance.\nTransaction c1 of @alice.",
	})
	testutil.AssertEqual(t, e.rec.Texts(buyerID), []string{"↩️ Your purchase c1 of 100⭐ was refunded."})
	testutil.AssertEqual(t, e.ledger.RefundTotal(adminID), int64(100))

	e.rec.Reset()
	e.handle(t, textUpdate(adminID, "/refund c1"))
	e.handle(t, textUpdate(adminID, "/refund zzz"))
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"❌ Transaction c1 was already refunded.",
		"❌ Invalid transaction ID.",
	})
	testutil.AssertEqual(t, e.ledger.RefundTotal(adminID), int64(100))
}

func TestRefundUnauthorized(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))
	e.rec.Reset()

	e.handle(t, textUpdate(buyerID, "/refund c1"))
	testutil.AssertEqual(t, e.rec.Texts(buyerID), []string{"🚫 Only admin can use this command."})

	rec, err := e.ledger.Lookup("c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, rec.Status, ledger.StatusActive)
	if err := e.r.authorize(buyerID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("authorize(buyer) = %v, want %v", err, ErrUnauthorized)
	}

	// Other admin commands are refused too, and plain text is ignored.
	e.rec.Reset()
	e.handle(t, textUpdate(buyerID, "/history 42"))
	e.handle(t, textUpdate(buyerID, "/notify"))
	e.handle(t, textUpdate(buyerID, "hello"))
	testutil.AssertEqual(t, len(e.rec.Texts(buyerID)), 2)
}

func TestRefundFlow(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	ctx := t.Context()
	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))
	e.rec.Reset()

	e.handle(t, textUpdate(adminID, "/refund"))
	p, err := e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p, Pending{State: StateAwaitingTargetID, Flow: FlowRefund})

	e.handle(t, textUpdate(adminID, "c1"))
	p, err = e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p.State, StateIdle)

	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"Send the transaction ID to refund, or /cancel.",
		"✅ Refund successful! 100⭐ added to admin balance.\nTransaction c1 of @alice.",
	})
	testutil.AssertEqual(t, e.ledger.RefundTotal(adminID), int64(100))

	// With no pending flow, text does nothing.
	e.rec.Reset()
	e.handle(t, textUpdate(adminID, "c1"))
	testutil.AssertEqual(t, len(e.rec.Sent()), 0)
}

func TestNotifyFlow(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	ctx := t.Context()

	e.handle(t, textUpdate(adminID, "/notify"))
	e.handle(t, textUpdate(adminID, "not a number"))
	p, err := e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p, Pending{State: StateAwaitingTargetID, Flow: FlowNotify})

	e.handle(t, textUpdate(adminID, "42"))
	p, err = e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p, Pending{State: StateAwaitingMessageBody, Flow: FlowNotify, Target: buyerID})

	e.handle(t, textUpdate(adminID, "Your **order** is ready"))
	p, err = e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p.State, StateIdle)

	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"Send the user ID to message, or /cancel.",
		"That is not a numeric user ID. Try again, or /cancel.",
		"Send the message for user 42, or /cancel.",
		"✅ Message sent to 42.",
	})
	testutil.AssertEqual(t, e.rec.Texts(buyerID), []string{"Your order is ready"})
}

func TestNotifyInline(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)

	e.handle(t, textUpdate(adminID, "/notify 42 hello there"))
	testutil.AssertEqual(t, e.rec.Texts(buyerID), []string{"hello there"})
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{"✅ Message sent to 42."})
}

func TestNotifyDeliveryFailure(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	e.rec.Fail = map[int64]bool{buyerID: true}

	e.handle(t, textUpdate(adminID, "/notify 42 hello"))
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"❌ Could not message 42: " + notifytest.ErrFail.Error(),
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	ctx := t.Context()

	e.handle(t, textUpdate(adminID, "/cancel"))
	e.handle(t, textUpdate(adminID, "/notify"))
	e.handle(t, textUpdate(adminID, "/cancel"))
	p, err := e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p.State, StateIdle)
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"Nothing to cancel.",
		"Send the user ID to message, or /cancel.",
		"Cancelled.",
	})
}

func TestOtherCommandClearsPending(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	ctx := t.Context()

	e.handle(t, textUpdate(adminID, "/refund"))
	e.handle(t, textUpdate(adminID, "/help"))
	p, err := e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p.State, StateIdle)
}

func TestPendingExpires(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, store.NewMemStore(t.Context(), 50*time.Millisecond))
	ctx := t.Context()

	e.handle(t, textUpdate(adminID, "/refund"))
	time.Sleep(100 * time.Millisecond)
	p, err := e.r.Pending(ctx, adminID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, p.State, StateIdle)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)
	e.handle(t, paymentUpdate(buyerID, "stars_100", 100, "c1"))
	e.handle(t, paymentUpdate(buyerID, "stars_200", 200, "c2"))
	e.handle(t, textUpdate(adminID, "/refund c1"))
	e.rec.Reset()

	e.handle(t, textUpdate(adminID, "/history 42"))
	e.handle(t, textUpdate(adminID, "/history 7"))
	e.handle(t, textUpdate(adminID, "/history alice"))
	testutil.AssertEqual(t, e.rec.Texts(adminID), []string{
		"Transactions of 42\n\n• c1 stars_100 100⭐ refunded\n• c2 stars_200 200⭐ active\n\nSpent 300⭐, refunded 100⭐.",
		"No transactions for 7.",
		"Usage: /history BUYER_ID",
	})
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	e := newTestRouter(t, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := paymentUpdate(buyerID, "stars_100", 100, "c"+string(rune('a'+i)))
			if err := e.r.Handle(t.Context(), u); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	testutil.AssertEqual(t, e.ledger.PurchaseTotal(buyerID), int64(2000))
}
