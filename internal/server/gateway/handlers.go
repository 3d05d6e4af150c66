package gateway

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
)

type handlerFunc func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error)

// Relay is the set of operations reachable from inbound events.
type Relay interface {
	SendMessage(ctx context.Context, caller relay.Caller, req relay.SendRequest) (*models.Message, error)
	MarkDelivered(ctx context.Context, caller relay.Caller, messageID string) (*models.Message, error)
	SetTyping(ctx context.Context, caller relay.Caller, req relay.TypingRequest) error
	JoinChat(ctx context.Context, caller relay.Caller, req relay.ChatRequest) error
	LeaveChat(ctx context.Context, caller relay.Caller, req relay.ChatRequest) error
}

func (g *Gateway) registerControl() {
	ok := func(context.Context, relay.Caller, json.RawMessage) (Ack, error) {
		return Ack{Success: true}, nil
	}
	g.handlers[EventPing] = ok
	// A second authenticate on a live session is harmless.
	g.handlers[EventAuthenticate] = ok
}

// RegisterRelay installs the relay events in the dispatch table. Call it
// before the gateway serves connections.
func (g *Gateway) RegisterRelay(r Relay) {
	g.handlers[relay.EventSendMessage] = func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error) {
		req, err := decode[relay.SendRequest](data)
		if err != nil {
			return Ack{}, err
		}
		m, err := r.SendMessage(ctx, caller, req)
		if err != nil {
			return Ack{}, err
		}
		return Ack{Success: true, MessageID: m.ID}, nil
	}

	g.handlers[relay.EventMessageDelivered] = func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error) {
		req, err := decode[relay.DeliveredRequest](data)
		if err != nil {
			return Ack{}, err
		}
		if _, err := r.MarkDelivered(ctx, caller, req.MessageID); err != nil {
			return Ack{}, err
		}
		return Ack{Success: true}, nil
	}

	g.handlers[relay.EventTyping] = func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error) {
		req, err := decode[relay.TypingRequest](data)
		if err != nil {
			return Ack{}, err
		}
		if err := r.SetTyping(ctx, caller, req); err != nil {
			return Ack{}, err
		}
		return Ack{Success: true}, nil
	}

	g.handlers[relay.EventJoinChat] = func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error) {
		req, err := decode[relay.ChatRequest](data)
		if err != nil {
			return Ack{}, err
		}
		if err := r.JoinChat(ctx, caller, req); err != nil {
			return Ack{}, err
		}
		return Ack{Success: true}, nil
	}

	g.handlers[relay.EventLeaveChat] = func(ctx context.Context, caller relay.Caller, data json.RawMessage) (Ack, error) {
		req, err := decode[relay.ChatRequest](data)
		if err != nil {
			return Ack{}, err
		}
		if err := r.LeaveChat(ctx, caller, req); err != nil {
			return Ack{}, err
		}
		return Ack{Success: true}, nil
	}
}
