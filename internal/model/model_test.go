package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearanceOrderingAndText(t *testing.T) {
	assert.True(t, ClearanceTopSecret > ClearanceClassified)
	assert.True(t, ClearanceRestricted > ClearancePublic)

	c, err := ParseClearance("Top_Secret")
	require.NoError(t, err)
	assert.Equal(t, ClearanceTopSecret, c)

	_, err = ParseClearance("cosmic")
	assert.Error(t, err)
}

func TestCharacterDecodesWireNames(t *testing.T) {
	raw := `{"id":"char_1","name":"Ada","title":"Science Secretary","clearanceLevel":"classified","presenceStatus":"busy"}`
	var c Character
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	assert.Equal(t, ClearanceClassified, c.Clearance)
	assert.Equal(t, PresenceBusy, c.Presence)
	assert.Equal(t, "Science Secretary", c.Role())
}

func TestChannelEligibility(t *testing.T) {
	roster := []Character{
		{ID: "a", Department: "defense", Clearance: ClearanceTopSecret, Presence: PresenceOnline},
		{ID: "b", Department: "science", Clearance: ClearanceRestricted, Presence: PresenceOffline},
		{ID: "c", Department: "defense", Clearance: ClearancePublic, Presence: PresenceAway},
	}

	tests := []struct {
		name string
		ch   Channel
		want []string
	}{
		{"department", Channel{Type: ChannelDepartment, DepartmentID: "defense"}, []string{"a", "c"}},
		{"department classified", Channel{Type: ChannelDepartment, DepartmentID: "defense", Confidentiality: ClearanceClassified}, []string{"a"}},
		{"project", Channel{Type: ChannelProject, MemberIDs: []string{"b"}}, []string{"b"}},
		{"emergency", Channel{Type: ChannelEmergency}, []string{"a", "c"}},
		{"cabinet", Channel{Type: ChannelCabinet}, []string{"a"}},
		{"general restricted", Channel{Type: ChannelGeneral, Confidentiality: ClearanceRestricted}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range tt.ch.EligibleMembers(roster) {
				got = append(got, c.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAndCompareParticipants(t *testing.T) {
	assert.Equal(t, []string{"p", "a"}, NormalizeParticipants([]string{"p", " ", "a", "p"}))
	assert.True(t, SameParticipants([]string{"p", "a"}, []string{"a", "p", "a"}))
	assert.False(t, SameParticipants([]string{"p", "a"}, []string{"p", "b"}))
}

func TestMessageHelpers(t *testing.T) {
	m := Message{ID: TempPrefix + "x", Content: "hello   there\nworld"}
	assert.True(t, m.IsTemp())
	assert.Equal(t, "hello there world", m.Summary(0))
	assert.Equal(t, "hell…", m.Summary(5))

	mt, err := ParseMessageType("")
	require.NoError(t, err)
	assert.Equal(t, MessageText, mt)
	_, err = ParseMessageType("fax")
	assert.Error(t, err)
}

func TestCallStatusTerminal(t *testing.T) {
	assert.False(t, CallRinging.Terminal())
	assert.True(t, CallEnded.Terminal())
	assert.True(t, CallFailed.Terminal())
}
