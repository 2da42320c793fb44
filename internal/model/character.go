package model

import (
	"fmt"
	"strings"
)

// Clearance is a character's (or channel's) confidentiality tier.
// Values are ordered: a higher clearance may see everything a lower one can.
type Clearance int

const (
	ClearancePublic Clearance = iota
	ClearanceRestricted
	ClearanceClassified
	ClearanceTopSecret
)

var clearanceNames = map[Clearance]string{
	ClearancePublic:     "public",
	ClearanceRestricted: "restricted",
	ClearanceClassified: "classified",
	ClearanceTopSecret:  "top_secret",
}

func (c Clearance) String() string {
	if s, ok := clearanceNames[c]; ok {
		return s
	}
	return fmt.Sprintf("clearance(%d)", int(c))
}

// ParseClearance parses the wire name of a clearance tier.
func ParseClearance(s string) (Clearance, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range clearanceNames {
		if name == s {
			return c, nil
		}
	}
	return ClearancePublic, fmt.Errorf("unknown clearance %q", s)
}

func (c Clearance) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clearance) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = ClearancePublic
		return nil
	}
	v, err := ParseClearance(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Presence is a character's availability as pushed by the backend.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// ParsePresence validates a presence value.
func ParsePresence(s string) (Presence, error) {
	switch p := Presence(strings.ToLower(strings.TrimSpace(s))); p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return p, nil
	}
	return PresenceOffline, fmt.Errorf("unknown presence %q", s)
}

// Character is an NPC the player can talk to.
type Character struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Title         string    `json:"title"`
	Department    string    `json:"department"`
	AvatarRef     string    `json:"avatar,omitempty"`
	Clearance     Clearance `json:"clearanceLevel"`
	Presence      Presence  `json:"presenceStatus"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Specialties   []string  `json:"specialties,omitempty"`
}

// Role returns the best short description of what the character does.
func (c Character) Role() string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Department != "":
		return c.Department
	default:
		return "Officer"
	}
}

// HasSpecialty reports whether the character lists the given specialty.
func (c Character) HasSpecialty(s string) bool {
	for _, sp := range c.Specialties {
		if strings.EqualFold(sp, s) {
			return true
		}
	}
	return false
}
