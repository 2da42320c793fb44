package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// HistoryEntry is one prior line of a conversation passed as context.
type HistoryEntry struct {
	Speaker   string    `json:"speaker"` // user or character
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerateCharacter describes who is answering.
type GenerateCharacter struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

// GenerateOptions are model parameters forwarded to the backend.
type GenerateOptions struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// GenerateRequest is the body of POST /ai/generate.
type GenerateRequest struct {
	Prompt              string            `json:"prompt"`
	Character           GenerateCharacter `json:"character"`
	ConversationHistory []HistoryEntry    `json:"conversationHistory,omitempty"`
	Context             map[string]any    `json:"context,omitempty"`
	Options             *GenerateOptions  `json:"options,omitempty"`
}

type generateResponse struct {
	Content string `json:"content"`
}

// Generate asks the backend to write a character's reply.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var out generateResponse
	if err := c.do(ctx, "generate reply", http.MethodPost, "/ai/generate", nil, req, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return "", &NetworkError{Op: "generate reply", StatusCode: http.StatusOK, Err: errors.New("empty content")}
	}
	return text, nil
}

type transcribeResponse struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Transcribe uploads recorded audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	const op = "transcribe"
	if filename == "" {
		filename = "recording.wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("%s: read audio: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stt/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	// The STT route answers with success:false on recognition failure,
	// which is not a transport problem, so decode the raw shape here.
	raw, status, err := c.sendRaw(op, req)
	if err != nil {
		return "", err
	}
	var out transcribeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &NetworkError{Op: op, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !out.Success || strings.TrimSpace(out.Transcript) == "" {
		msg := out.Error
		if msg == "" {
			msg = "no speech recognized"
		}
		return "", &NetworkError{Op: op, StatusCode: http.StatusOK, Rejected: true, Err: errors.New(msg)}
	}
	return strings.TrimSpace(out.Transcript), nil
}
