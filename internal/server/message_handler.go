// Package server defines the message-handling collaborator invoked for
// every inbound frame, plus the default group relay implementation.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/registry"
	"github.com/loftchat/loft/internal/storage"
)

// MessageContext carries one inbound payload together with the identity
// of the connection it arrived on and read access to the registry for
// resolving delivery targets.
type MessageContext struct {
	UserID   storage.UserID
	GroupID  storage.GroupID
	ConnID   registry.ConnID
	Payload  []byte
	Registry *registry.Registry
}

// MessageHandler reacts to inbound frames. The payload format is owned
// by the handler, not by the connection plumbing. A returned error is
// logged per connection and never ends the connection.
type MessageHandler interface {
	Handle(ctx context.Context, mc MessageContext) error
}

// ChatMessage is the inbound frame format the relay handler accepts.
type ChatMessage struct {
	ChannelID storage.ChannelID `json:"channel_id"`
	Content   string            `json:"content"`
}

// ChatEvent is what the relay handler fans out to the group.
type ChatEvent struct {
	Type      string            `json:"type"`
	UserID    storage.UserID    `json:"user_id"`
	ChannelID storage.ChannelID `json:"channel_id"`
	Content   string            `json:"content"`
}

// RelayHandler is the default MessageHandler: it validates the inbound
// chat frame against the group's cached channel list and fans the
// normalized event out to every connection in the group.
type RelayHandler struct {
	logger *zap.Logger
}

var _ MessageHandler = (*RelayHandler)(nil)

// NewRelayHandler creates the default relay handler.
func NewRelayHandler(logger *zap.Logger) *RelayHandler {
	return &RelayHandler{logger: logger.With(zap.String("component", "relay"))}
}

// Handle parses, validates, and relays one chat message.
func (h *RelayHandler) Handle(_ context.Context, mc MessageContext) error {
	var msg ChatMessage
	if err := json.Unmarshal(mc.Payload, &msg); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	if msg.Content == "" {
		return fmt.Errorf("empty message content")
	}

	channels, active := mc.Registry.Channels(mc.GroupID)
	if !active {
		// The sender's own connection keeps the group alive, so this can
		// only happen if the frame raced a forced disconnect.
		return fmt.Errorf("group %d is not active", mc.GroupID)
	}
	known := false
	for _, ch := range channels {
		if ch.ChannelID == msg.ChannelID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown channel %d in group %d", msg.ChannelID, mc.GroupID)
	}

	payload, err := json.Marshal(ChatEvent{
		Type:      "message",
		UserID:    mc.UserID,
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
	})
	if err != nil {
		return fmt.Errorf("normalizing chat message: %w", err)
	}

	mc.Registry.Broadcast(mc.GroupID, payload)
	return nil
}
