// Package github is a read-only client for the repository hosting API. The
// messaging core only needs one call: the contributor list that feeds
// @-mention autocomplete.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/techSaswata/StackLane/internal/room"
)

const defaultBaseURL = "https://api.github.com"

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient builds a client. An empty token still works for public
// repositories, at a much lower rate limit.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
	}
}

// Contributors lists a repository's contributors, mapping the API's login
// field to the display name. Implements room.ContributorSource.
func (c *Client) Contributors(ctx context.Context, repoFullName string) ([]room.Contributor, error) {
	url := c.baseURL + "/repos/" + repoFullName + "/contributors"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: contributors %s: unexpected status %d", repoFullName, resp.StatusCode)
	}

	var raw []struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	contributors := make([]room.Contributor, 0, len(raw))
	for _, r := range raw {
		contributors = append(contributors, room.Contributor{
			ID:        r.ID,
			Name:      r.Login,
			AvatarURL: r.AvatarURL,
		})
	}
	return contributors, nil
}
