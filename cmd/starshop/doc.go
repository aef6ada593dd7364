// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Starshop is a Telegram bot that sells digital goods for Telegram Stars.

Buyers press /start, pick an item and pay an invoice in Stars. Every payment
is recorded in a ledger, and the admin is notified with the transaction ID,
which can later be used to refund the purchase with /refund.

# Usage

	$ starshop [flags...] [command] [args...]

Commands:

  - serve: run the bot (default). Updates are received by long polling,
    or by webhook if HOST is set.
  - catalog: print the items of the catalog.
  - lookup <id>: print a transaction.
  - history <buyer ID>: print the transactions of a buyer.
  - refund <id>: refund a transaction as the admin. A JSON ledger is
    locked while the bot serves it, so the command fails then. Don't run
    it against an SQLite ledger the bot is serving either.

# Bot Commands

  - /start: show the store.
  - /help: show help.
  - /refund [id]: refund a transaction (admin only). Without an ID, the bot
    asks for it.
  - /history <buyer ID>: list the transactions of a buyer (admin only).
  - /notify [user ID] [text]: send a message to a user (admin only). Missing
    parts are asked for.
  - /cancel: abandon a command that waits for input.

A command waiting for input is abandoned after -pending-ttl.

# Environment Variables

  - TELEGRAM_TOKEN (or BOT_TOKEN): Telegram bot token.
  - ADMIN_ID: Telegram user ID of the admin.
  - STATE_DIRECTORY: directory for the ledger and pending state files.
    Defaults to $XDG_STATE_HOME/starshop.
  - LEDGER_DSN: where transactions are stored. A path to a JSON file,
    "sqlite:<path>", a "postgres://" URL or "mem:" to keep nothing. Defaults
    to transactions.json in the state directory.
  - PENDING_DSN: where admin conversation state is stored, in the same
    format. Defaults to pending.json in the state directory.
  - CATALOG: path to a config.star or YAML catalog. The built-in catalog is
    used if not set.
  - ADMIN_ADDR: address of the admin HTTP API. Defaults to localhost:3000.
  - HOST and TG_SECRET: receive updates by webhook at https://HOST/telegram,
    authenticated with TG_SECRET.
  - REFUND_ACCOUNTING: who refunds are credited to, "requester" (default)
    or "buyer".
  - PENDING_TTL: overrides -pending-ttl.

Under systemd, the bot reports readiness and pings the watchdog when
NOTIFY_SOCKET and WATCHDOG_USEC are set.

# Catalog

The catalog is a Starlark file that defines items:

	star_rate = "0.012"
	rate_currency = "USDT"

	items = [
	    item(id = "stars_%d" % n, name = "FARM GIFT STAR ✨", price = n)
	    for n in (100, 200, 500, 1000, 2000)
	]

An item can have a description, shown on the invoice, and a payload, sent
to the buyer after payment. Without a description, one is derived from
star_rate. A messages dictionary overrides bot texts, which are Go templates
producing Markdown. A config can load() other Starlark files from its
directory:

	load("prices.star", "sizes")

# Admin API

  - GET /api/transactions/{id}: a transaction.
  - GET /api/users/{id}/transactions: transactions and totals of a buyer.
  - GET /api/stats: ledger statistics.
  - GET /health: health checks.
  - GET /debug/: debug information, including recent logs.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/starshop/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
