package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"helios/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type sessionView struct {
	Session   domain.Session   `json:"session"`
	Artifacts domain.Artifacts `json:"artifacts"`
}

type planView struct {
	Plan   domain.Plan `json:"plan"`
	Order  []string    `json:"topological_order"`
	Levels [][]string  `json:"levels"`
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) createSession(goal string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON("/api/sessions", map[string]string{"goal": goal}, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *client) sendFeedback(sessionID, text string) error {
	return c.postJSON("/api/sessions/"+url.PathEscape(sessionID)+"/feedback", map[string]string{"feedback": text}, nil)
}

func (c *client) listSessions() ([]domain.Session, error) {
	var out []domain.Session
	if err := c.getJSON("/api/sessions?limit=100", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getSession(sessionID string) (sessionView, error) {
	var out sessionView
	err := c.getJSON("/api/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *client) listMessages(sessionID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	if err := c.getJSON(fmt.Sprintf("/api/sessions/%s/messages?limit=%d", url.PathEscape(sessionID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// latestPlan returns nil without error when the session has no plan yet.
func (c *client) latestPlan(sessionID string) (*planView, error) {
	var out planView
	err := c.getJSON("/api/sessions/"+url.PathEscape(sessionID)+"/plan", &out)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *client) listDecisions(sessionID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/api/sessions/%s/decisions?limit=%d", url.PathEscape(sessionID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
