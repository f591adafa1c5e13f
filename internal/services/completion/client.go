// Package completion talks to the OpenAI-compatible upstream providers.
package completion

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

// Service represents the completion provider interface.
type Service interface {
	Stream(ctx context.Context, messages []models.PromptMessage, modelID string, sink Sink) (string, error)
	GetResponse(ctx context.Context, messages []models.PromptMessage, modelID string) (string, error)
	GetModelByID(modelID string) (*ModelOption, error)
}

// Sink receives text deltas as they arrive off the wire.
type Sink interface {
	Delta(text string) error
}

// ModelOption represents a model option with endpoint info.
type ModelOption struct {
	ID           string
	Name         string
	EndpointName string
	MaxTokens    int
}

// ModelPolicy decides which model serves a request. Free-tier and public
// requests always get the cheapest model; paid tiers may map to stronger ones.
type ModelPolicy struct {
	Cheapest string
	ByPlan   map[models.PlanTier]string
}

// NewModelPolicy builds the policy table from config.
func NewModelPolicy(cfg *config.ModelsConfig) ModelPolicy {
	byPlan := make(map[models.PlanTier]string, len(cfg.ByPlan))
	for plan, model := range cfg.ByPlan {
		byPlan[models.PlanTier(plan)] = model
	}
	return ModelPolicy{Cheapest: cfg.Cheapest, ByPlan: byPlan}
}

// ModelFor picks the model for a plan and request visibility.
func (p ModelPolicy) ModelFor(plan models.PlanTier, public bool) string {
	if public || plan == models.PlanFree {
		return p.Cheapest
	}
	if m, ok := p.ByPlan[plan]; ok {
		return m
	}
	return p.Cheapest
}

// Client implements Service against the configured endpoints.
type Client struct {
	endpoints  map[string]*config.ModelEndpoint
	models     map[string]*ModelOption
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a completion client from the endpoint config.
func NewClient(cfg *config.ModelsConfig, logger *logrus.Logger) *Client {
	endpoints := make(map[string]*config.ModelEndpoint)
	modelTable := make(map[string]*ModelOption)

	logger.WithField("endpointCount", len(cfg.Endpoints)).Info("Loading completion endpoints")

	for i := range cfg.Endpoints {
		endpoint := &cfg.Endpoints[i]
		endpoints[endpoint.Name] = endpoint

		for j := range endpoint.Models {
			model := &endpoint.Models[j]
			modelTable[model.ID] = &ModelOption{
				ID:           model.ID,
				Name:         model.Name,
				EndpointName: endpoint.Name,
				MaxTokens:    model.MaxTokens,
			}
		}
	}

	logger.WithField("totalModels", len(modelTable)).Info("Completion service initialized")

	return &Client{
		endpoints: endpoints,
		models:    modelTable,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// GetModelByID returns a model by its ID.
func (c *Client) GetModelByID(modelID string) (*ModelOption, error) {
	model, exists := c.models[modelID]
	if !exists {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	return model, nil
}

func (c *Client) endpointFor(modelID string) (*config.ModelEndpoint, *ModelOption, error) {
	model, err := c.GetModelByID(modelID)
	if err != nil {
		return nil, nil, err
	}
	endpoint, exists := c.endpoints[model.EndpointName]
	if !exists {
		return nil, nil, fmt.Errorf("endpoint not found: %s", model.EndpointName)
	}
	return endpoint, model, nil
}

func (c *Client) newRequest(ctx context.Context, endpoint *config.ModelEndpoint, model *ModelOption, messages []models.PromptMessage, stream bool) (*http.Request, error) {
	reqBody := map[string]interface{}{
		"model":       model.ID,
		"messages":    messages,
		"max_tokens":  model.MaxTokens,
		"temperature": 0.7,
		"stream":      stream,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(endpoint.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", endpoint.APIKey))
	return req, nil
}

// GetResponse gets a non-streamed completion with retry. Used for the cheap
// internal utility calls (topic classification), not the chat path.
func (c *Client) GetResponse(ctx context.Context, messages []models.PromptMessage, modelID string) (string, error) {
	const maxRetries = 3
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		response, err := c.getResponseOnce(ctx, messages, modelID, attempt)
		if err == nil {
			return response, nil
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
			"modelID": modelID,
		}).Warn("Completion request failed, retrying...")

		if attempt < maxRetries {
			// Exponential backoff: 2s, 4s, 8s
			waitTime := time.Duration(2<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(waitTime):
			}
		}
	}

	return "", fmt.Errorf("all retry attempts failed: %w", lastErr)
}

func (c *Client) getResponseOnce(ctx context.Context, messages []models.PromptMessage, modelID string, attempt int) (string, error) {
	endpoint, model, err := c.endpointFor(modelID)
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := c.newRequest(reqCtx, endpoint, model, messages, false)
	if err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"endpoint": endpoint.Name,
		"attempt":  attempt,
	}).Debug("Sending completion request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &models.UpstreamError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error.Message != "" {
		return "", &models.UpstreamError{Message: result.Error.Message}
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", &models.UpstreamError{Message: "no response from model"}
	}

	return result.Choices[0].Message.Content, nil
}
