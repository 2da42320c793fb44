package transport

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/notepid/whoseapp/internal/model"
)

// Filter narrows list requests.
type Filter struct {
	CivilizationID string
	// Query, when set, is passed through as a free-text search.
	Query string
}

func (f Filter) values() url.Values {
	v := url.Values{}
	if f.CivilizationID != "" {
		v.Set("civilizationId", f.CivilizationID)
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	return v
}

// FetchConversations lists the player's conversations.
func (c *Client) FetchConversations(ctx context.Context, f Filter) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, "fetch conversations", http.MethodGet, "/conversations", f.values(), nil, &out, "conversations"); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchChannels lists the channels visible to the player.
func (c *Client) FetchChannels(ctx context.Context, f Filter) ([]model.Channel, error) {
	var out []model.Channel
	if err := c.do(ctx, "fetch channels", http.MethodGet, "/channels", f.values(), nil, &out, "channels"); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns up to limit messages of a conversation or channel,
// ascending by timestamp.
func (c *Client) FetchMessages(ctx context.Context, parentID string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("conversationId", parentID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []model.Message
	if err := c.do(ctx, "fetch messages", http.MethodGet, "/messages", q, nil, &out, "messages"); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ParentID == "" {
			out[i].ParentID = parentID
		}
		out[i].Status = model.StatusConfirmed
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// PostRequest is the body of POST /messages.
type PostRequest struct {
	ParentID       string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	Type           model.MessageType `json:"messageType"`
	CivilizationID string            `json:"civilizationId,omitempty"`
	// ClientID echoes the optimistic temp id so the backend can return it
	// on push events.
	ClientID string `json:"clientMessageId,omitempty"`
}

// PostMessage persists a message and returns the server's copy.
func (c *Client) PostMessage(ctx context.Context, req PostRequest) (model.Message, error) {
	var out model.Message
	if err := c.do(ctx, "post message", http.MethodPost, "/messages", nil, req, &out, "message"); err != nil {
		return model.Message{}, err
	}
	if out.ParentID == "" {
		out.ParentID = req.ParentID
	}
	if out.ClientID == "" {
		out.ClientID = req.ClientID
	}
	out.Status = model.StatusConfirmed
	return out, nil
}

// MarkRead acknowledges that the player has read a conversation.
func (c *Client) MarkRead(ctx context.Context, parentID string) error {
	return c.do(ctx, "mark read", http.MethodPost, "/conversations/"+url.PathEscape(parentID)+"/read", nil, struct{}{}, nil)
}

// FetchCharacters returns the character directory.
func (c *Client) FetchCharacters(ctx context.Context, civilizationID string) ([]model.Character, error) {
	q := url.Values{}
	if civilizationID != "" {
		q.Set("civilizationId", civilizationID)
	}
	var out []model.Character
	if err := c.do(ctx, "fetch characters", http.MethodGet, "/characters/profiles", q, nil, &out, "characters", "profiles"); err != nil {
		return nil, err
	}
	return out, nil
}

// CallRequest is the body of POST /calls/initiate.
type CallRequest struct {
	CallerID    string `json:"callerId"`
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"`
	CampaignID  string `json:"campaignId,omitempty"`
}

// CallRecord is the backend's view of a call.
type CallRecord struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// InitiateCall creates a call record on the backend.
func (c *Client) InitiateCall(ctx context.Context, req CallRequest) (CallRecord, error) {
	if req.CallType == "" {
		req.CallType = "voice"
	}
	var out CallRecord
	if err := c.do(ctx, "initiate call", http.MethodPost, "/calls/initiate", nil, req, &out, "call"); err != nil {
		return CallRecord{}, err
	}
	return out, nil
}

type callStatusBody struct {
	Status  model.CallStatus `json:"status"`
	EndTime *time.Time       `json:"endTime,omitempty"`
}

// UpdateCallStatus reports a call status change.
func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status model.CallStatus, endTime *time.Time) error {
	body := callStatusBody{Status: status, EndTime: endTime}
	return c.do(ctx, "update call status", http.MethodPut, "/calls/"+url.PathEscape(callID)+"/status", nil, body, nil)
}
