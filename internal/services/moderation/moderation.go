// Package moderation consumes the external content-safety collaborator.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
)

// Meta gives the validator request context for audit logging upstream.
type Meta struct {
	TeamID         string `json:"team_id"`
	BotID          string `json:"bot_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Validator checks a message before it may reach retrieval or the model.
type Validator interface {
	Validate(ctx context.Context, message string, meta Meta) error
}

// NewValidator builds the configured validator; disabled config yields a noop.
func NewValidator(cfg *config.ModerationConfig, logger *logrus.Logger) Validator {
	if !cfg.Enabled {
		return noopValidator{}
	}
	return &HTTPValidator{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type noopValidator struct{}

func (noopValidator) Validate(ctx context.Context, message string, meta Meta) error { return nil }

// HTTPValidator calls the moderation service.
type HTTPValidator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Validate returns a ModerationFlaggedError when the message is blocked.
func (v *HTTPValidator) Validate(ctx context.Context, message string, meta Meta) error {
	reqBody, err := json.Marshal(struct {
		Message string `json:"message"`
		Meta    Meta   `json:"meta"`
	}{Message: message, Meta: meta})
	if err != nil {
		return fmt.Errorf("failed to marshal moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/validate", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send moderation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read moderation response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		var result struct {
			Category string `json:"category"`
		}
		_ = json.Unmarshal(body, &result)
		v.logger.WithFields(logrus.Fields{
			"team_id":  meta.TeamID,
			"bot_id":   meta.BotID,
			"category": result.Category,
		}).Info("Message blocked by moderation")
		return &models.ModerationFlaggedError{Category: result.Category}
	default:
		return fmt.Errorf("moderation request failed with status %d: %s", resp.StatusCode, string(body))
	}
}
