// Package alma uploads DHIS2 data values to an ALMA scorecard.
package alma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/httpclient"
	"github.com/teranos/almasync/internal/util"
)

const (
	maxErrorBody   = 200
	uploadFilename = "temp.json"
)

// Config holds the connection details of one ALMA instance
type Config struct {
	URL      string
	Username string
	Password string
	Backend  string
}

// Client keeps one cookie session per instance and logs in again when it expires
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *httpclient.Client

	mu      sync.Mutex
	cookies []*http.Cookie
}

// NewClient creates an ALMA client. No request is made until the first upload.
func NewClient(cfg Config, httpClient *httpclient.Client) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: httpClient,
	}
}

type sessionRequest struct {
	Backend  string `json:"backend"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login opens a session and stores its cookies
func (c *Client) Login(ctx context.Context) error {
	payload, err := json.Marshal(sessionRequest{
		Backend:  c.cfg.Backend,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode alma session request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build alma session request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.MarkExternalService(err, "alma login failed")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "alma login"); err != nil {
		return err
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return errors.NewExternalServiceError("alma login returned no session cookie")
	}

	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
	return nil
}

// Upload sends one analytics slice to a scorecard as {"dataValues":[data]}.
// An expired session (401/403) triggers one fresh login and a retry.
func (c *Client) Upload(ctx context.Context, scorecard int, data json.RawMessage) (json.RawMessage, error) {
	body, contentType, err := buildUploadForm(data)
	if err != nil {
		return nil, err
	}

	if !c.hasSession() {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.put(ctx, scorecard, body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		if resp, err = c.put(ctx, scorecard, body, contentType); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, fmt.Sprintf("alma upload to scorecard %d", scorecard)); err != nil {
		return nil, err
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.MarkExternalService(err, "failed to read alma upload response")
	}
	return json.RawMessage(out), nil
}

func (c *Client) put(ctx context.Context, scorecard int, body []byte, contentType string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/scorecard/%d/upload/dhis", c.baseURL, scorecard)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build alma upload request")
	}
	req.Header.Set("Content-Type", contentType)

	c.mu.Lock()
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.MarkExternalService(err, "alma upload failed")
	}
	return resp, nil
}

func (c *Client) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cookies) > 0
}

func buildUploadForm(data json.RawMessage) ([]byte, string, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	batch, err := json.Marshal(struct {
		DataValues []json.RawMessage `json:"dataValues"`
	}{DataValues: []json.RawMessage{data}})
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to encode data value batch")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, uploadFilename))
	header.Set("Content-Type", "application/json")
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create upload part")
	}
	if _, err := part.Write(batch); err != nil {
		return nil, "", errors.Wrap(err, "failed to write upload part")
	}
	if err := form.Close(); err != nil {
		return nil, "", errors.Wrap(err, "failed to close upload form")
	}
	return buf.Bytes(), form.FormDataContentType(), nil
}

func checkStatus(resp *http.Response, what string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.NewExternalServiceError("%s returned %d: %s",
		what, resp.StatusCode, util.Truncate(strings.TrimSpace(string(body)), maxErrorBody))
}
