// Package retriever consumes the document index. It packs retrieved chunks
// into a prompt token budget and, when generation is unavailable, extracts a
// literal excerpt as a non-generative answer.
package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/pkg/textutil"
	"github.com/sirupsen/logrus"
)

// ChunkSource is the external document-retrieval collaborator.
type ChunkSource interface {
	RetrieveChunks(ctx context.Context, teamID, botID, query, conversationID string) ([]models.Chunk, error)
	RetrieveDeterministicChunks(ctx context.Context, teamID, botID, query string, topK int) ([]models.Chunk, error)
}

// Retriever wraps a ChunkSource with excerpt extraction and budget packing.
type Retriever struct {
	source        ChunkSource
	topK          int
	excerptLength int
	logger        *logrus.Logger
}

// New creates a retriever.
func New(source ChunkSource, topK, excerptLength int, logger *logrus.Logger) *Retriever {
	if topK <= 0 {
		topK = 4
	}
	if excerptLength <= 0 {
		excerptLength = 320
	}
	return &Retriever{
		source:        source,
		topK:          topK,
		excerptLength: excerptLength,
		logger:        logger,
	}
}

// ContextChunks returns retrieved chunks that fit the token budget, appended
// in retrieval order. A chunk larger than the remaining budget is skipped
// whole, never truncated.
func (r *Retriever) ContextChunks(ctx context.Context, teamID, botID, query, conversationID string, budget int) ([]models.Chunk, error) {
	chunks, err := r.source.RetrieveChunks(ctx, teamID, botID, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context chunks: %w", err)
	}

	var picked []models.Chunk
	remaining := budget
	for _, chunk := range chunks {
		cost := textutil.EstimateTokens(chunk.Content)
		if cost > remaining {
			continue
		}
		picked = append(picked, chunk)
		remaining -= cost
	}

	r.logger.WithFields(logrus.Fields{
		"bot_id":    botID,
		"retrieved": len(chunks),
		"packed":    len(picked),
		"budget":    budget,
	}).Debug("Packed context chunks")
	return picked, nil
}

// Excerpt extracts a literal passage answering the query, or ok=false when no
// usable chunk exists. Used only as a fallback when generation is unavailable.
func (r *Retriever) Excerpt(ctx context.Context, teamID, botID, query string) (string, bool) {
	chunks, err := r.source.RetrieveDeterministicChunks(ctx, teamID, botID, query, r.topK)
	if err != nil {
		r.logger.WithError(err).Warn("Deterministic retrieval failed")
		return "", false
	}
	if len(chunks) == 0 {
		return "", false
	}

	terms := textutil.SignificantTerms(query)

	// First chunk containing any query term wins; else the top-ranked chunk.
	chosen := chunks[0]
	matchIdx := -1
	for _, chunk := range chunks {
		if idx := firstTermIndex(chunk.Content, terms); idx >= 0 {
			chosen = chunk
			matchIdx = idx
			break
		}
	}

	excerpt := r.window(chosen.Content, matchIdx)
	if excerpt == "" {
		return "", false
	}

	if chosen.SourceURL != "" {
		link := chosen.SourceURL
		if chosen.Anchor != "" {
			link += "#" + chosen.Anchor
		}
		excerpt += fmt.Sprintf("\n\n[Read more](%s)", link)
	}
	return excerpt, true
}

// window extracts r.excerptLength characters starting a quarter-length before
// the match, with ellipses marking truncation.
func (r *Retriever) window(content string, matchIdx int) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if len(content) <= r.excerptLength {
		return content
	}

	start := 0
	if matchIdx > 0 {
		start = matchIdx - r.excerptLength/4
		if start < 0 {
			start = 0
		}
	}
	end := start + r.excerptLength
	if end > len(content) {
		end = len(content)
		start = end - r.excerptLength
		if start < 0 {
			start = 0
		}
	}

	excerpt := strings.TrimSpace(content[start:end])
	if start > 0 {
		excerpt = "..." + excerpt
	}
	if end < len(content) {
		excerpt += "..."
	}
	return excerpt
}

func firstTermIndex(content string, terms []string) int {
	lower := strings.ToLower(content)
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx >= 0 {
			return idx
		}
	}
	return -1
}
