package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIClient talks to the ispadmin HTTP API with a bearer token.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response carrying the server's error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func newAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) doRequest(method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	return respBody, nil
}

func (c *APIClient) getJSON(path string, out any) error {
	data, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string   `json:"token"`
	User  Identity `json:"user"`
}

type Session struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	CallerID string `json:"caller_id"`
	Uptime   string `json:"uptime"`
}

type Secret struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Profile       string `json:"profile"`
	RemoteAddress string `json:"remote_address"`
	Disabled      bool   `json:"disabled"`
}

type Backup struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Uploaded  bool      `json:"uploaded"`
}

func (c *APIClient) login(username, password string) (*loginResponse, error) {
	data, err := c.doRequest(http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	var out loginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("server returned no token")
	}
	return &out, nil
}

func (c *APIClient) logout() error {
	_, err := c.doRequest(http.MethodPost, "/api/auth/logout", nil)
	return err
}

func (c *APIClient) whoami() (*Identity, error) {
	var out struct {
		User Identity `json:"user"`
	}
	if err := c.getJSON("/api/auth/me", &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *APIClient) listActive() ([]Session, error) {
	var out []Session
	if err := c.getJSON("/api/pppoe/active", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) disconnect(id string) error {
	_, err := c.doRequest(http.MethodPost, "/api/pppoe/active/"+url.PathEscape(id)+"/disconnect", nil)
	return err
}

func (c *APIClient) listSecrets() ([]Secret, error) {
	var out []Secret
	if err := c.getJSON("/api/pppoe/secrets", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) listBackups() ([]Backup, error) {
	var out []Backup
	if err := c.getJSON("/api/backups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) createBackup(includeRouter bool) (*Backup, error) {
	data, err := c.doRequest(http.MethodPost, "/api/backups", map[string]bool{"include_router": includeRouter})
	if err != nil {
		return nil, err
	}
	var out Backup
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
