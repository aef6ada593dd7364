// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package catalog

// defaultMessages are text/template sources producing Markdown. A catalog
// config may override any of them, but can't add new keys.
var defaultMessages = map[string]string{
	"welcome": "🎉 Welcome to the Digital Stars Store!\n\n" +
		"Select a Stars package below to purchase using Telegram Stars.",
	"help": "**Digital Stars Bot Help**\n\n" +
		"Commands:\n\n" +
		"- /start - View available Stars packages\n" +
		"- /help - Show this help message\n" +
		"- /refund - Refund a transaction (admin only)\n\n" +
		"How to use:\n\n" +
		"1. Use /start to see available Stars packages\n" +
		"2. Click a package to buy with your Stars\n" +
		"3. Receive your Stars instantly\n" +
		"4. Admin can refund with /refund if needed",
	"send_stars_button": "💫 Send Stars",
	"choose_item":       "Select item to buy:",
	"item_button":       "{{.Name}} - {{.Price}}⭐",
	"item_unavailable":  "This item is no longer available.",

	"precheckout_invalid_item":  "Invalid item.",
	"precheckout_price_changed": "The price has changed, please start over.",

	"purchase_receipt": "✅ {{.Amount}}⭐ successfully sent!\nWaiting for admin payment." +
		"{{if .Payload}}\n\n{{.Payload}}{{end}}",
	"purchase_failed": "❌ We received your payment but could not record it. " +
		"The admin has been notified.",
	"admin_purchase": "📩 User {{.BuyerName}} sent {{.Amount}}⭐ for {{.ItemName}}\n" +
		"Transaction ID: `{{.ID}}`",
	"admin_price_mismatch": "⚠️ Transaction `{{.ID}}` was paid {{.Amount}}⭐, " +
		"but the item lists at {{.ListPrice}}⭐.",
	"admin_persistence": "⚠️ Transaction `{{.ID}}` is recorded, but saving it failed: {{.Err}}",
	"admin_duplicate":   "ℹ️ Duplicate payment for transaction `{{.ID}}` ignored.",
	"admin_rejected":    "❌ Payment `{{.ID}}` from {{.BuyerName}} was not recorded: {{.Err}}",

	"unauthorized":  "🚫 Only admin can use this command.",
	"refund_usage":  "Please provide the transaction ID with /refund command.\nExample: `/refund YOUR_TRANSACTION_ID`",
	"refund_prompt": "Send the transaction ID to refund, or /cancel.",
	"refund_success": "✅ Refund successful! {{.Amount}}⭐ added to admin balance.\n" +
		"Transaction `{{.ID}}` of {{.BuyerName}}.",
	"refund_not_found":   "❌ Invalid transaction ID.",
	"refund_already":     "❌ Transaction `{{.ID}}` was already refunded.",
	"refund_persistence": "⚠️ Refund of `{{.ID}}` is applied, but saving it failed: {{.Err}}",
	"refund_failed":      "❌ Refund failed. Try again later or contact support.",
	"buyer_refunded":     "↩️ Your purchase `{{.ID}}` of {{.Amount}}⭐ was refunded.",
	"history_usage":      "Usage: `/history BUYER_ID`",
	"history_empty":      "No transactions for {{.BuyerID}}.",
	"history": "**Transactions of {{.BuyerID}}**\n\n" +
		"{{range .Records}}- `{{.ID}}` {{.ItemID}} {{.Amount}}⭐ {{.Status}}\n{{end}}\n" +
		"Spent {{.Purchased}}⭐, refunded {{.Refunded}}⭐.",
	"notify_prompt_target": "Send the user ID to message, or /cancel.",
	"notify_bad_target":    "That is not a numeric user ID. Try again, or /cancel.",
	"notify_prompt_body":   "Send the message for user {{.Target}}, or /cancel.",
	"notify_sent":          "✅ Message sent to {{.Target}}.",
	"notify_failed":        "❌ Could not message {{.Target}}: {{.Err}}",
	"cancelled":            "Cancelled.",
	"nothing_to_cancel":    "Nothing to cancel.",
}
