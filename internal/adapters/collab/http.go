package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/voicegate/internal/domain"
)

const fallbackResponse = "I'm sorry, I encountered an error processing your request. Please try again."

func defaultHTTPClient(hc *http.Client) *http.Client {
	if hc == nil {
		return &http.Client{Timeout: 60 * time.Second}
	}
	return hc
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AIClient posts transcripts to the command processor service.
type AIClient struct {
	url  string
	http *http.Client
}

// NewAIClient leaves the call unbounded when hc is nil; the caller's
// context decides how long a command may think.
func NewAIClient(url string, hc *http.Client) *AIClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &AIClient{url: strings.TrimRight(url, "/"), http: hc}
}

// ProcessVoiceCommand never fails outright: transport and decoding errors
// come back as an unsuccessful result.
func (c *AIClient) ProcessVoiceCommand(ctx context.Context, transcript string, user domain.UserID, cmdContext map[string]any) domain.CommandResult {
	in := struct {
		Transcript string         `json:"transcript"`
		UserID     domain.UserID  `json:"user_id"`
		Context    map[string]any `json:"context,omitempty"`
	}{transcript, user, cmdContext}

	var out domain.CommandResult
	if err := postJSON(ctx, c.http, c.url, in, &out); err != nil {
		return domain.CommandResult{
			Success:     false,
			Error:       err.Error(),
			Response:    fallbackResponse,
			CommandType: "error",
		}
	}
	return out
}

// SynthesisClient turns response text into a reference to rendered audio.
type SynthesisClient struct {
	url  string
	http *http.Client
}

func NewSynthesisClient(url string, hc *http.Client) *SynthesisClient {
	return &SynthesisClient{url: strings.TrimRight(url, "/"), http: defaultHTTPClient(hc)}
}

func (c *SynthesisClient) Synthesize(ctx context.Context, req domain.SynthesisRequest) (domain.SynthesisResult, error) {
	var out struct {
		Success bool `json:"success"`
		domain.SynthesisResult
		Error string `json:"error"`
	}
	if err := postJSON(ctx, c.http, c.url, req, &out); err != nil {
		return domain.SynthesisResult{}, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "synthesis unsuccessful"
		}
		return domain.SynthesisResult{}, errors.New(msg)
	}
	if out.AudioReference == "" {
		return domain.SynthesisResult{}, errors.New("synthesis returned no audio reference")
	}
	return out.SynthesisResult, nil
}

// CalendarClient forwards calendar changes to the calendar service, which
// answers with the stored event.
type CalendarClient struct {
	url  string
	http *http.Client
}

func NewCalendarClient(url string, hc *http.Client) *CalendarClient {
	return &CalendarClient{url: strings.TrimRight(url, "/"), http: defaultHTTPClient(hc)}
}

func (c *CalendarClient) Apply(ctx context.Context, user domain.UserID, action string, event json.RawMessage) (json.RawMessage, error) {
	in := struct {
		UserID domain.UserID   `json:"user_id"`
		Action string          `json:"action"`
		Event  json.RawMessage `json:"event,omitempty"`
	}{user, action, event}

	var out struct {
		Event json.RawMessage `json:"event"`
	}
	if err := postJSON(ctx, c.http, c.url, in, &out); err != nil {
		return nil, err
	}
	return out.Event, nil
}

// PassthroughCalendar accepts every change as sent. It stands in when no
// calendar service is configured.
type PassthroughCalendar struct{}

func (PassthroughCalendar) Apply(_ context.Context, _ domain.UserID, _ string, event json.RawMessage) (json.RawMessage, error) {
	return event, nil
}
