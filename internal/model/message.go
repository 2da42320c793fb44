package model

import (
	"fmt"
	"strings"
	"time"
)

// TempPrefix marks client-generated message ids awaiting confirmation.
const TempPrefix = "tmp_"

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageVoice        MessageType = "voice"
	MessageSystem       MessageType = "system"
	MessageActionUpdate MessageType = "action_update"
)

// ParseMessageType validates a message type. An empty value means text.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return MessageText, nil
	case MessageText, MessageVoice, MessageSystem, MessageActionUpdate:
		return t, nil
	}
	return MessageText, fmt.Errorf("unknown message type %q", s)
}

// DeliveryStatus tracks where a message is in the optimistic send flow.
type DeliveryStatus string

const (
	StatusConfirmed   DeliveryStatus = "confirmed"
	StatusPending     DeliveryStatus = "pending"
	StatusUnconfirmed DeliveryStatus = "unconfirmed"
)

// Message belongs to exactly one conversation or channel (ParentID).
type Message struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"conversationId"`
	SenderID  string         `json:"senderId"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"messageType"`
	Timestamp time.Time      `json:"timestamp"`
	IsRead    bool           `json:"isRead"`
	AudioRef  string         `json:"audioUrl,omitempty"`
	ClientID  string         `json:"clientMessageId,omitempty"`
	Status    DeliveryStatus `json:"-"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempPrefix)
}

// Summary returns a one-line preview used as a conversation's last message.
func (m Message) Summary(max int) string {
	s := strings.Join(strings.Fields(m.Content), " ")
	if max <= 0 || len([]rune(s)) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
