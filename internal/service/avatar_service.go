package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/store"
)

// MaxAvatarImageSize is the largest accepted avatar photo.
const MaxAvatarImageSize = 10 << 20

var avatarImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// AvatarProvider trains presenter avatars from a photo
type AvatarProvider interface {
	// CreateAvatar uploads the photo, starts training and returns the provider's avatar id.
	CreateAvatar(ctx context.Context, name, filename, contentType string, image []byte) (string, error)
	// TrainingStatus returns the provider's raw status string.
	TrainingStatus(ctx context.Context, providerRef string) (string, error)
}

// AvatarImage is an uploaded avatar photo
type AvatarImage struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AvatarService manages avatars and their training at the provider
type AvatarService struct {
	store    store.Store
	provider AvatarProvider
	storage  client.StorageClient
	log      *logger.Logger
	now      func() time.Time
}

func NewAvatarService(st store.Store, provider AvatarProvider, storage client.StorageClient, log *logger.Logger) *AvatarService {
	return &AvatarService{
		store:    st,
		provider: provider,
		storage:  storage,
		log:      log,
		now:      time.Now,
	}
}

// CreateAvatar validates the photo, submits it for training and stores the
// avatar in TRAINING. Nothing is stored when the provider rejects it.
func (s *AvatarService) CreateAvatar(ctx context.Context, name string, img *AvatarImage) (*model.Avatar, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("name is required", map[string]string{"name": "required"})
	}
	if img == nil || len(img.Data) == 0 {
		return nil, apperr.Validation("image is required", map[string]string{"image": "required"})
	}
	if len(img.Data) > MaxAvatarImageSize {
		return nil, apperr.Validation("image exceeds 10MB", map[string]string{"image": "max"})
	}
	contentType := normalizeContentType(img.ContentType)
	if _, ok := avatarImageTypes[contentType]; !ok {
		contentType = http.DetectContentType(img.Data)
	}
	ext, ok := avatarImageTypes[contentType]
	if !ok {
		return nil, apperr.Validation("image must be JPEG, PNG or WebP",
			map[string]string{"image": "type", "content_type": contentType})
	}

	avatarID := uuid.New().String()
	filename := img.Filename
	if filename == "" {
		filename = "avatar" + ext
	}

	var imageURL, key string
	if s.storage != nil {
		key = fmt.Sprintf("avatars/%s/original%s", avatarID, ext)
		url, err := s.storage.Upload(ctx, key, bytes.NewReader(img.Data), contentType)
		if err != nil {
			return nil, apperr.ProviderFailure("failed to store avatar image", nil, err)
		}
		imageURL = url
	}

	ref, err := s.provider.CreateAvatar(ctx, name, path.Base(filename), contentType, img.Data)
	if err != nil {
		s.log.Error("avatar provider rejected image", "avatar_id", avatarID, "error", err)
		if key != "" {
			if delErr := s.storage.Delete(ctx, key); delErr != nil {
				s.log.Warn("failed to remove avatar image", "key", key, "error", delErr)
			}
		}
		return nil, apperr.ProviderFailure("avatar provider failed", nil, err)
	}

	now := s.now()
	avatar := &model.Avatar{
		ID:             avatarID,
		Name:           name,
		ProviderRef:    ref,
		ImageURL:       imageURL,
		TrainingStatus: model.TrainingStatusTraining,
		CreatedBy:      auth.UserFrom(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAvatar(ctx, avatar); err != nil {
		return nil, storeErr(err, "avatar", avatarID)
	}
	s.log.Info("avatar created", "avatar_id", avatarID, "provider_ref", ref)
	return avatar, nil
}

// GetTrainingStatus polls the provider for avatars still training.
func (s *AvatarService) GetTrainingStatus(ctx context.Context, avatarID string) (*model.AvatarTrainingResponse, error) {
	avatar, err := s.store.GetAvatar(ctx, avatarID)
	if err != nil {
		return nil, storeErr(err, "avatar", avatarID)
	}
	if avatar.TrainingStatus.IsTerminal() {
		return &model.AvatarTrainingResponse{AvatarID: avatar.ID, TrainingStatus: avatar.TrainingStatus}, nil
	}

	raw, err := s.provider.TrainingStatus(ctx, avatar.ProviderRef)
	if err != nil {
		return nil, apperr.ProviderFailure("failed to fetch training status",
			map[string]string{"avatar_id": avatarID}, err)
	}
	status := mapTrainingStatus(raw)
	if status != avatar.TrainingStatus {
		avatar.TrainingStatus = status
		avatar.UpdatedAt = s.now()
		if err := s.store.UpdateAvatar(ctx, avatar); err != nil {
			return nil, storeErr(err, "avatar", avatarID)
		}
		s.log.Info("avatar training status changed", "avatar_id", avatarID, "status", status)
	}
	return &model.AvatarTrainingResponse{AvatarID: avatar.ID, TrainingStatus: status}, nil
}

// ListAvatars returns every avatar, newest first.
func (s *AvatarService) ListAvatars(ctx context.Context) ([]model.Avatar, error) {
	avatars, err := s.store.ListAvatars(ctx)
	if err != nil {
		return nil, storeErr(err, "avatar", "")
	}
	return avatars, nil
}

func mapTrainingStatus(raw string) model.TrainingStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ready", "completed", "success":
		return model.TrainingStatusReady
	case "failed", "error":
		return model.TrainingStatusFailed
	default:
		return model.TrainingStatusTraining
	}
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}

// heygenAvatars adapts the HeyGen photo avatar API.
type heygenAvatars struct {
	client *client.HeyGenClient
}

// NewAvatarProvider returns the HeyGen provider, or a mock when HeyGen is
// not configured.
func NewAvatarProvider(c *client.HeyGenClient) AvatarProvider {
	if c == nil || !c.IsConfigured() {
		return mockAvatars{}
	}
	return &heygenAvatars{client: c}
}

func (h *heygenAvatars) CreateAvatar(ctx context.Context, name, filename, contentType string, image []byte) (string, error) {
	photo, err := h.client.CreatePhotoAvatar(ctx, name, filename, contentType, image)
	if err != nil {
		return "", err
	}
	if _, err := h.client.TrainPhotoAvatar(ctx, photo.ID, name); err != nil {
		return "", err
	}
	return photo.ID, nil
}

func (h *heygenAvatars) TrainingStatus(ctx context.Context, providerRef string) (string, error) {
	state, err := h.client.GetTrainingStatus(ctx, providerRef)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

// Mock implementation for development/testing
type mockAvatars struct{}

func (mockAvatars) CreateAvatar(_ context.Context, _, _, _ string, _ []byte) (string, error) {
	return "mock_" + uuid.New().String(), nil
}

func (mockAvatars) TrainingStatus(_ context.Context, _ string) (string, error) {
	return "ready", nil
}
