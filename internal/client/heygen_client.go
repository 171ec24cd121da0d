package client

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
	"time"

	"github.com/makeacourse/api/internal/config"
	"github.com/makeacourse/api/internal/logger"
)

// HeyGenClient wraps the HeyGen photo avatar and video APIs
type HeyGenClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logger.Logger
}

// PhotoAvatar is the provider record created from an uploaded image
type PhotoAvatar struct {
	ID     string `json:"photo_avatar_id"`
	Status string `json:"status,omitempty"`
}

// TrainingJob is returned when training is submitted
type TrainingJob struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TrainingState is the provider's view of a training job
type TrainingState struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AvatarVideoRequest asks the provider to render the avatar speaking text
type AvatarVideoRequest struct {
	AvatarID        string `json:"avatar_id"`
	VoiceID         string `json:"voice_id,omitempty"`
	InputText       string `json:"input_text"`
	BackgroundColor string `json:"background_color,omitempty"`
}

// AvatarVideo is the state of an avatar video render
type AvatarVideo struct {
	VideoID  string  `json:"video_id"`
	Status   string  `json:"status"`
	VideoURL string  `json:"video_url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// envelope is the common HeyGen response wrapper
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewHeyGenClient(cfg *config.HeyGenConfig, log *logger.Logger) *HeyGenClient {
	return &HeyGenClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		log:     log,
	}
}

// CreatePhotoAvatar uploads the image and registers it as a photo avatar.
func (c *HeyGenClient) CreatePhotoAvatar(ctx context.Context, name, filename, contentType string, image []byte) (*PhotoAvatar, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return nil, Permanent(fmt.Errorf("failed to write form: %w", err))
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to write form: %w", err))
	}
	if _, err := part.Write(image); err != nil {
		return nil, Permanent(fmt.Errorf("failed to write form: %w", err))
	}
	if err := w.Close(); err != nil {
		return nil, Permanent(fmt.Errorf("failed to write form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/photo_avatar/photo/generate", &body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result PhotoAvatar
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, fmt.Errorf("heygen returned no photo avatar id")
	}
	return &result, nil
}

// TrainPhotoAvatar submits a photo avatar for training
func (c *HeyGenClient) TrainPhotoAvatar(ctx context.Context, photoAvatarID, name string) (*TrainingJob, error) {
	req := map[string]string{"photo_avatar_id": photoAvatarID, "name": name}
	var result TrainingJob
	if err := c.post(ctx, "/v1/photo_avatar/train", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTrainingStatus retrieves the training state of a photo avatar
func (c *HeyGenClient) GetTrainingStatus(ctx context.Context, photoAvatarID string) (*TrainingState, error) {
	var result TrainingState
	if err := c.get(ctx, "/v1/photo_avatar/train/status/"+photoAvatarID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateVideo starts an avatar video render
func (c *HeyGenClient) GenerateVideo(ctx context.Context, req *AvatarVideoRequest) (*AvatarVideo, error) {
	var result AvatarVideo
	if err := c.post(ctx, "/v1/video/generate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetVideoStatus retrieves the state of an avatar video render
func (c *HeyGenClient) GetVideoStatus(ctx context.Context, videoID string) (*AvatarVideo, error) {
	var result AvatarVideo
	if err := c.get(ctx, "/v1/video/"+videoID, &result); err != nil {
		return nil, err
	}
	if result.VideoID == "" {
		result.VideoID = videoID
	}
	return &result, nil
}

// PollVideoStatus polls until the avatar video is finished
func (c *HeyGenClient) PollVideoStatus(ctx context.Context, videoID string, interval, maxWait time.Duration) (*AvatarVideo, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		result, err := c.GetVideoStatus(ctx, videoID)
		if err != nil {
			c.log.Warn("heygen video poll failed", "video_id", videoID, "attempt", attempt, "error", err)
			return nil, err
		}
		c.log.Debug("heygen video poll", "video_id", videoID, "attempt", attempt, "status", result.Status)

		switch strings.ToLower(result.Status) {
		case "completed", "success":
			return result, nil
		case "failed", "error":
			return nil, fmt.Errorf("avatar video failed: %s", result.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, fmt.Errorf("avatar video timed out after %v", maxWait)
}

func (c *HeyGenClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, result)
}

func (c *HeyGenClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	return c.doRequest(req, result)
}

// doRequest executes the request and decodes the data field of the envelope
func (c *HeyGenClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	c.log.Debug("heygen request", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("heygen response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: "heygen", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("heygen response has no data: %s", env.Message)
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *HeyGenClient) IsConfigured() bool {
	return c.apiKey != ""
}
