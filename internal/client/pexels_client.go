package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/makeacourse/api/internal/config"
)

// PexelsClient searches stock background footage
type PexelsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type pexelsVideoFile struct {
	FileType string `json:"file_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Link     string `json:"link"`
}

type pexelsSearchResponse struct {
	Videos []struct {
		ID         int               `json:"id"`
		Duration   int               `json:"duration"`
		VideoFiles []pexelsVideoFile `json:"video_files"`
	} `json:"videos"`
}

func NewPexelsClient(cfg *config.PexelsConfig) *PexelsClient {
	return &PexelsClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// SearchVideos returns, per matching video, the link of its widest mp4 rendition.
func (c *PexelsClient) SearchVideos(ctx context.Context, query string, perPage int) ([]string, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("orientation", "landscape")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/videos/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "pexels", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result pexelsSearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	links := make([]string, 0, len(result.Videos))
	for _, v := range result.Videos {
		if link := bestMP4(v.VideoFiles); link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

func bestMP4(files []pexelsVideoFile) string {
	best, maxWidth := "", 0
	for _, f := range files {
		if f.FileType == "video/mp4" && f.Width > maxWidth {
			maxWidth = f.Width
			best = f.Link
		}
	}
	return best
}

// IsConfigured returns true if the client has valid configuration
func (c *PexelsClient) IsConfigured() bool {
	return c.apiKey != ""
}
