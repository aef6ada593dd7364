// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package router

import (
	"context"
	"encoding/json"
	"strconv"
)

// State is the state of an admin conversation.
type State string

// A conversation is idle unless a multi-step command waits for input.
const (
	StateIdle                State = "idle"
	StateAwaitingTargetID    State = "awaiting_target_id"
	StateAwaitingMessageBody State = "awaiting_message_body"
)

// Flow is the multi-step command a conversation belongs to.
type Flow string

const (
	FlowRefund Flow = "refund"
	FlowNotify Flow = "notify"
)

// Pending is the stored state of an admin conversation.
type Pending struct {
	State  State `json:"state"`
	Flow   Flow  `json:"flow"`
	Target int64 `json:"target,omitempty"` // user to message
}

func pendingKey(userID int64) string {
	return "pending:" + strconv.FormatInt(userID, 10)
}

// Pending returns the conversation state of userID. Expired or missing
// state is idle.
func (r *Router) Pending(ctx context.Context, userID int64) (Pending, error) {
	b, err := r.pending.Get(ctx, pendingKey(userID))
	if err != nil || b == nil {
		return Pending{State: StateIdle}, err
	}
	var p Pending
	if err := json.Unmarshal(b, &p); err != nil {
		return Pending{State: StateIdle}, err
	}
	return p, nil
}

func (r *Router) setPending(ctx context.Context, userID int64, p Pending) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.pending.Set(ctx, pendingKey(userID), b)
}

func (r *Router) clearPending(ctx context.Context, userID int64) error {
	return r.pending.Delete(ctx, pendingKey(userID))
}
