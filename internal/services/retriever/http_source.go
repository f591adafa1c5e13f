package retriever

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

// HTTPSource calls the document-retrieval service over HTTP.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPSource creates the retrieval client from config.
func NewHTTPSource(cfg *config.RetrievalConfig, logger *logrus.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type retrieveRequest struct {
	TeamID         string `json:"team_id"`
	BotID          string `json:"bot_id"`
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
	Deterministic  bool   `json:"deterministic,omitempty"`
}

type chunkPayload struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	SourceURL string  `json:"source_url"`
	Anchor    string  `json:"anchor"`
	Score     float32 `json:"score"`
}

func (s *HTTPSource) RetrieveChunks(ctx context.Context, teamID, botID, query, conversationID string) ([]models.Chunk, error) {
	return s.retrieve(ctx, retrieveRequest{
		TeamID:         teamID,
		BotID:          botID,
		Query:          query,
		ConversationID: conversationID,
	})
}

func (s *HTTPSource) RetrieveDeterministicChunks(ctx context.Context, teamID, botID, query string, topK int) ([]models.Chunk, error) {
	return s.retrieve(ctx, retrieveRequest{
		TeamID:        teamID,
		BotID:         botID,
		Query:         query,
		TopK:          topK,
		Deterministic: true,
	})
}

func (s *HTTPSource) retrieve(ctx context.Context, reqBody retrieveRequest) ([]models.Chunk, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/retrieve", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send retrieve request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read retrieve response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieve request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Chunks []chunkPayload `json:"chunks"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse retrieve response: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		chunks = append(chunks, models.Chunk{
			ID:        c.ID,
			Content:   c.Content,
			SourceURL: c.SourceURL,
			Anchor:    c.Anchor,
			Score:     c.Score,
		})
	}
	return chunks, nil
}
