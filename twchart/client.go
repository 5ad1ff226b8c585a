// Package twchart reports run sessions to a TWChart server so a run's stages and events can be
// viewed next to each other
package twchart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calvinmclean/babyapi"
	"github.com/calvinmclean/twchart"
)

type Client struct {
	client    *babyapi.Client[*session]
	sessionID string
}

// session mirrors the resource served by the TWChart API
type session struct {
	babyapi.DefaultResource
	Session    twchart.Session
	UploadedAt time.Time
}

func NewClient(addr string) *Client {
	client := babyapi.NewClient[*session](addr, "/sessions")
	return &Client{client: client}
}

// SessionID returns the ID of the session created by CreateSession
func (c *Client) SessionID() string {
	return c.sessionID
}

// CreateSession creates a new session named after the run and remembers its ID for the other calls
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	// TWChart sessions carry no type, only a name
	resp, err := c.client.Post(ctx, &session{
		Session: twchart.Session{
			Name: name,
			Date: time.Now(),
		},
	})
	if err != nil {
		return "", err
	}

	c.sessionID = resp.Data.GetID()

	return resp.Data.GetID(), nil
}

func (c Client) SetStartTime(ctx context.Context, startTime time.Time) error {
	if c.sessionID == "" {
		return errNoSession
	}
	_, err := c.client.Patch(ctx, c.sessionID, &session{Session: twchart.Session{
		StartTime: startTime,
	}})
	return err
}

func (c Client) AddEvent(ctx context.Context, note string, now time.Time) error {
	e := twchart.Event{Note: note, Time: now}
	return c.post(ctx, "/add-event", e)
}

func (c Client) AddStage(ctx context.Context, name string, now time.Time) error {
	s := twchart.Stage{Name: name, Start: now}
	return c.post(ctx, "/add-stage", s)
}

func (c Client) Done(ctx context.Context) error {
	return c.post(ctx, "/done", map[string]any{"time": time.Now()})
}

func (c Client) post(ctx context.Context, path string, body any) error {
	if c.sessionID == "" {
		return errNoSession
	}

	url, err := c.client.URL(c.sessionID)
	if err != nil {
		return fmt.Errorf("error creating URL: %w", err)
	}

	return c.makeRequest(ctx, url+path, body)
}

func (c Client) makeRequest(ctx context.Context, url string, body any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding body: %w", err)
		}

		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := c.client.MakeGenericRequest(req, nil)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	if resp.Response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d, response: %v", resp.Response.StatusCode, resp.Body)
	}

	return nil
}

var errNoSession = errors.New("no session created")
