// Package dhis2 reads indicator groups and analytics slices from a DHIS2 server.
package dhis2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/httpclient"
	"github.com/teranos/almasync/internal/util"
)

// maxErrorBody bounds how much of a failed response ends up in an error message
const maxErrorBody = 200

// Config holds the connection details of one DHIS2 instance.
// URL is the API root, e.g. https://play.dhis2.org/api
type Config struct {
	URL      string
	Username string
	Password string
}

// Indicator is one member of an indicator group
type Indicator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to a single DHIS2 instance with basic auth
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *httpclient.Client
}

// NewClient creates a DHIS2 client. The http client carries the timeout and rate limit.
func NewClient(cfg Config, httpClient *httpclient.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
	}
}

// Indicators lists the indicators of a group
func (c *Client) Indicators(ctx context.Context, groupID string) ([]Indicator, error) {
	endpoint := fmt.Sprintf("%s/indicatorGroups/%s/indicators.json", c.baseURL, url.PathEscape(groupID))
	query := url.Values{}
	query.Set("fields", "id,name")

	body, err := c.get(ctx, endpoint, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch indicators for group %s", groupID)
	}

	var resp struct {
		Indicators []Indicator `json:"indicators"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.MarkExternalService(err, "failed to decode indicator list")
	}
	return resp.Indicators, nil
}

// Analytics downloads the analytics slice for one indicator, period and organisation unit level.
// The response is returned untouched; ALMA accepts the DHIS2 analytics shape as a data value.
func (c *Client) Analytics(ctx context.Context, indicatorID, period string, level int) (json.RawMessage, error) {
	query := url.Values{}
	query.Add("dimension", "dx:"+indicatorID)
	query.Add("dimension", "pe:"+period)
	query.Add("dimension", fmt.Sprintf("ou:LEVEL-%d", level))

	body, err := c.get(ctx, c.baseURL+"/analytics.json", query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download analytics for %s/%s/LEVEL-%d", indicatorID, period, level)
	}
	if !json.Valid(body) {
		return nil, errors.NewExternalServiceError("dhis2 analytics response is not JSON")
	}
	return json.RawMessage(body), nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build dhis2 request")
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.MarkExternalService(err, "dhis2 request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.MarkExternalService(err, "failed to read dhis2 response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewExternalServiceError("dhis2 returned %d: %s",
			resp.StatusCode, util.Truncate(strings.TrimSpace(string(body)), maxErrorBody))
	}
	return body, nil
}
