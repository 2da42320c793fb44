package voice

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/notepid/whoseapp/internal/model"
)

// Profile shapes how a speaker sounds. Rate, Pitch and Volume are
// multipliers around 1.0.
type Profile struct {
	Voice    string  `yaml:"voice"`
	Rate     float64 `yaml:"rate"`
	Pitch    float64 `yaml:"pitch"`
	Volume   float64 `yaml:"volume"`
	Language string  `yaml:"language"`
}

func (p Profile) withDefaults() Profile {
	if p.Rate <= 0 {
		p.Rate = 1.0
	}
	if p.Pitch <= 0 {
		p.Pitch = 1.0
	}
	if p.Volume <= 0 {
		p.Volume = 0.8
	}
	if p.Language == "" {
		p.Language = "en-US"
	}
	return p
}

// DefaultProfile is used for speakers with no better match.
var DefaultProfile = Profile{Voice: "en-us", Rate: 1.0, Pitch: 1.0, Volume: 0.8, Language: "en-US"}

// variations are assigned to characters without a configured profile so
// that a channel full of strangers doesn't all sound the same.
var variations = []Profile{
	{Rate: 0.9, Pitch: 1.1},
	{Rate: 1.0, Pitch: 0.9},
	{Rate: 1.1, Pitch: 0.8},
	{Rate: 0.95, Pitch: 1.0},
	{Rate: 1.05, Pitch: 0.95},
}

// Profiles maps speakers to voice profiles. Lookup order is character id,
// then department, then a stable variation picked from the id.
type Profiles struct {
	mu          sync.RWMutex
	characters  map[string]Profile
	departments map[string]Profile
	player      Profile
	fallback    Profile
}

// DefaultProfiles returns the built-in department voices.
func DefaultProfiles() *Profiles {
	return &Profiles{
		characters: map[string]Profile{},
		departments: map[string]Profile{
			"diplomacy":   {Voice: "en-us+f3", Rate: 0.9, Pitch: 1.1, Volume: 0.8, Language: "en-US"},
			"economy":     {Voice: "en-us+m3", Rate: 1.0, Pitch: 0.9, Volume: 0.8, Language: "en-US"},
			"military":    {Voice: "en-us+m7", Rate: 1.1, Pitch: 0.8, Volume: 0.9, Language: "en-US"},
			"science":     {Voice: "en-gb+f2", Rate: 0.95, Pitch: 1.0, Volume: 0.8, Language: "en-GB"},
			"engineering": {Voice: "en-gb+m2", Rate: 1.05, Pitch: 0.95, Volume: 0.8, Language: "en-GB"},
		},
		player:   Profile{Voice: "en-us+f4", Rate: 1.0, Pitch: 1.0, Volume: 0.8, Language: "en-US"},
		fallback: DefaultProfile,
	}
}

type profilesFile struct {
	Default     *Profile           `yaml:"default"`
	Player      *Profile           `yaml:"player"`
	Departments map[string]Profile `yaml:"departments"`
	Characters  map[string]Profile `yaml:"characters"`
}

// LoadProfiles reads a YAML profile file on top of the defaults. An empty
// path returns the defaults.
func LoadProfiles(path string) (*Profiles, error) {
	p := DefaultProfiles()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice profiles: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice profiles: %w", err)
	}
	if f.Default != nil {
		p.fallback = f.Default.withDefaults()
	}
	if f.Player != nil {
		p.player = f.Player.withDefaults()
	}
	for k, v := range f.Departments {
		p.departments[strings.ToLower(k)] = v.withDefaults()
	}
	for k, v := range f.Characters {
		p.characters[k] = v.withDefaults()
	}
	return p, nil
}

// Set assigns a profile to one character.
func (p *Profiles) Set(characterID string, prof Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.characters[characterID] = prof.withDefaults()
}

// Player returns the player's own voice.
func (p *Profiles) Player() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.player
}

// For returns the profile for a character.
func (p *Profiles) For(c model.Character) Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if prof, ok := p.characters[c.ID]; ok {
		return prof
	}
	dept := strings.ToLower(c.Department)
	if prof, ok := p.departments[dept]; ok {
		return prof
	}
	if dept != "" {
		keys := make([]string, 0, len(p.departments))
		for k := range p.departments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.Contains(dept, k) || strings.Contains(k, dept) {
				return p.departments[k]
			}
		}
	}

	h := fnv.New32a()
	h.Write([]byte(c.ID))
	v := variations[h.Sum32()%uint32(len(variations))]
	prof := p.fallback
	prof.Rate, prof.Pitch = v.Rate, v.Pitch
	return prof
}

// PreviewText is a short line a character says when its voice is previewed.
func PreviewText(c model.Character) string {
	if c.Name == "" {
		return "Hello, this is a voice preview."
	}
	return fmt.Sprintf("%s here, %s. Ready when you are.", c.Name, strings.ToLower(c.Role()))
}
