// Package responder writes and delivers character replies.
package responder

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

// Request is everything a composer may use to write a reply.
type Request struct {
	Character model.Character
	Inbound   string
	// History holds the player's recent lines, oldest first.
	History []transport.HistoryEntry
	// Voice asks for a short reply that reads well aloud.
	Voice bool
}

// Composer writes a character's reply to an inbound message.
type Composer interface {
	Compose(ctx context.Context, req Request) (string, error)
}

var generalReplies = []string{
	"I understand your concern. Let me look into this matter immediately.",
	"That's an interesting perspective. I'll need to consider the implications carefully.",
	"I appreciate you bringing this to my attention. We should discuss this further.",
	"This aligns with our current strategic objectives. I'll coordinate with the relevant departments.",
	"I see the urgency of this situation. Let me mobilize the necessary resources.",
}

// departmentReplies are matched by substring against a character's department.
var departmentReplies = map[string][]string{
	"diplom": {
		"Our partners will read this carefully. I'll prepare a measured response through the usual channels.",
		"A delicate matter. I suggest we consult our allies before committing to anything.",
	},
	"military": {
		"Understood. I'll have the fleet readiness report on your desk within the hour.",
		"Our forces can respond, but I recommend we secure the supply lines first.",
	},
	"econom": {
		"The markets will react to this. I'll run the numbers on trade and revenue impact.",
		"We can fund it, but something else in the budget will have to give.",
	},
	"scien": {
		"Fascinating. My team will need a few cycles to verify the data.",
		"The research supports that direction, though the results are still preliminary.",
	},
	"engineer": {
		"It's buildable. I'll draft the specifications and a realistic timeline.",
		"We'll need more materials, but the design is sound.",
	},
}

// TemplateComposer picks a canned reply. Replies depend only on the seed
// and the sequence of requests, so a seeded composer is reproducible.
type TemplateComposer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTemplateComposer creates a composer seeded with seed.
func NewTemplateComposer(seed int64) *TemplateComposer {
	return &TemplateComposer{rng: rand.New(rand.NewSource(seed))}
}

// Compose picks from the character's department replies when there are
// any, otherwise from the general ones.
func (t *TemplateComposer) Compose(_ context.Context, req Request) (string, error) {
	pool := generalReplies
	dept := strings.ToLower(req.Character.Department)
	for _, key := range []string{"diplom", "military", "econom", "scien", "engineer"} {
		if dept != "" && strings.Contains(dept, key) {
			pool = append(append([]string(nil), departmentReplies[key]...), generalReplies...)
			break
		}
	}
	t.mu.Lock()
	i := t.rng.Intn(len(pool))
	t.mu.Unlock()
	return pool[i], nil
}

// Generator is the backend's reply generation endpoint.
type Generator interface {
	Generate(ctx context.Context, req transport.GenerateRequest) (string, error)
}

const voiceHint = "\n\n[VOICE MODE: Provide a concise, informative response. Use 1-2 sentences to give key information. Be conversational and direct while remaining clear and engaging.]"

// RemoteComposer asks the backend to write the reply and falls back to
// another composer when it can't.
type RemoteComposer struct {
	Generator      Generator
	Fallback       Composer
	CivilizationID string
	log            zerolog.Logger
}

// NewRemoteComposer creates a RemoteComposer.
func NewRemoteComposer(g Generator, fallback Composer, civilizationID string) *RemoteComposer {
	return &RemoteComposer{
		Generator:      g,
		Fallback:       fallback,
		CivilizationID: civilizationID,
		log:            logging.Component("responder"),
	}
}

func (r *RemoteComposer) Compose(ctx context.Context, req Request) (string, error) {
	prompt := req.Inbound
	if req.Voice {
		prompt += voiceHint
	}
	c := req.Character
	text, err := r.Generator.Generate(ctx, transport.GenerateRequest{
		Prompt: prompt,
		Character: transport.GenerateCharacter{
			ID:         c.ID,
			Name:       c.Name,
			Role:       c.Role(),
			Department: c.Department,
		},
		ConversationHistory: req.History,
		Context:             map[string]any{"currentCivilization": r.CivilizationID},
	})
	if err == nil {
		return text, nil
	}
	if r.Fallback == nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	r.log.Warn().Err(err).Str("character", c.ID).Msg("reply generation failed, using fallback")
	return r.Fallback.Compose(ctx, req)
}
