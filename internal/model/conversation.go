package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConversationKind distinguishes 1:1 threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is a direct or group thread between the player and characters.
type Conversation struct {
	ID                 string           `json:"id"`
	ParticipantIDs     []string         `json:"participants"`
	Kind               ConversationKind `json:"conversationType"`
	Title              string           `json:"title,omitempty"`
	LastMessageSummary string           `json:"lastMessage"`
	LastMessageTime    time.Time        `json:"lastMessageTime"`
	UnreadCount        int              `json:"unreadCount"`
	IsPinned           bool             `json:"isPinned"`
	IsActive           bool             `json:"isActive"`
}

// ChannelType controls which characters are eligible channel members.
type ChannelType string

const (
	ChannelDepartment ChannelType = "department"
	ChannelProject    ChannelType = "project"
	ChannelEmergency  ChannelType = "emergency"
	ChannelCabinet    ChannelType = "cabinet"
	ChannelGeneral    ChannelType = "general"
)

// ParseChannelType validates a channel type.
func ParseChannelType(s string) (ChannelType, error) {
	switch t := ChannelType(strings.ToLower(strings.TrimSpace(s))); t {
	case ChannelDepartment, ChannelProject, ChannelEmergency, ChannelCabinet, ChannelGeneral:
		return t, nil
	}
	return ChannelGeneral, fmt.Errorf("unknown channel type %q", s)
}

// Channel is a named multi-party room with a confidentiality tier.
type Channel struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	Type               ChannelType `json:"type"`
	Confidentiality    Clearance   `json:"confidentialityLevel"`
	DepartmentID       string      `json:"departmentId,omitempty"`
	ProjectID          string      `json:"projectId,omitempty"`
	MemberIDs          []string    `json:"participants,omitempty"`
	LastMessageSummary string      `json:"lastMessage"`
	LastMessageTime    time.Time   `json:"lastMessageTime"`
	UnreadCount        int         `json:"unreadCount"`
	IsPinned           bool        `json:"isPinned"`
	IsActive           bool        `json:"isActive"`
}

// Eligible reports whether a character may take part in the channel.
func (ch Channel) Eligible(c Character) bool {
	if c.Clearance < ch.Confidentiality {
		return false
	}
	switch ch.Type {
	case ChannelDepartment:
		return ch.DepartmentID != "" && strings.EqualFold(c.Department, ch.DepartmentID)
	case ChannelProject:
		for _, id := range ch.MemberIDs {
			if id == c.ID {
				return true
			}
		}
		return false
	case ChannelEmergency:
		return c.Presence != PresenceOffline
	case ChannelCabinet:
		return c.Clearance >= ClearanceClassified
	default:
		return true
	}
}

// EligibleMembers filters the roster down to eligible members, keeping
// roster order.
func (ch Channel) EligibleMembers(roster []Character) []Character {
	var out []Character
	for _, c := range roster {
		if ch.Eligible(c) {
			out = append(out, c)
		}
	}
	return out
}

// NormalizeParticipants removes duplicates and blanks while keeping the
// first-seen order.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SameParticipants compares two participant sets regardless of order.
func SameParticipants(a, b []string) bool {
	a, b = NormalizeParticipants(a), NormalizeParticipants(b)
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
