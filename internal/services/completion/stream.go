package completion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
)

// doneSentinel terminates an upstream event stream.
const doneSentinel = "[DONE]"

// Stream requests a streamed completion and relays each text delta to the
// sink as it arrives. It returns the full accumulated text. A non-2xx status
// or transport failure yields an UpstreamError; callers run their fallback
// chain, this client never does.
func (c *Client) Stream(ctx context.Context, messages []models.PromptMessage, modelID string, sink Sink) (string, error) {
	endpoint, model, err := c.endpointFor(modelID)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, endpoint, model, messages, true)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	c.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"endpoint": endpoint.Name,
	}).Debug("Opening completion stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &models.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &models.UpstreamError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return c.relayEvents(ctx, resp.Body, sink)
}

// relayEvents parses the newline-delimited SSE frames incrementally: bytes
// are buffered across reads, events split on blank lines, and each delta is
// forwarded the moment its frame completes. A trailing unterminated event at
// EOF is still parsed once. Malformed frames are skipped.
func (c *Client) relayEvents(ctx context.Context, body io.Reader, sink Sink) (string, error) {
	var (
		full   strings.Builder
		buf    strings.Builder
		reader = bufio.NewReader(body)
		done   bool
	)

	flush := func() (bool, error) {
		event := buf.String()
		buf.Reset()
		text, isDone := c.parseEvent(event)
		if isDone {
			return true, nil
		}
		if text == "" {
			return false, nil
		}
		full.WriteString(text)
		if err := sink.Delta(text); err != nil {
			return false, fmt.Errorf("failed to forward delta: %w", err)
		}
		return false, nil
	}

	for !done {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}

		line, err := reader.ReadString('\n')
		if line != "" {
			if strings.TrimRight(line, "\r\n") == "" {
				// Blank line: event boundary.
				var ferr error
				done, ferr = flush()
				if ferr != nil {
					return full.String(), ferr
				}
			} else {
				buf.WriteString(line)
			}
		}

		if err == io.EOF {
			if !done && buf.Len() > 0 {
				if _, ferr := flush(); ferr != nil {
					return full.String(), ferr
				}
			}
			break
		}
		if err != nil {
			// A canceled caller surfaces as a read error on the body; report
			// the cancellation itself, not an upstream failure.
			if cerr := ctx.Err(); cerr != nil {
				return full.String(), cerr
			}
			return full.String(), &models.UpstreamError{Message: err.Error()}
		}
	}

	return full.String(), nil
}

// parseEvent extracts the text delta from one SSE event, or signals the
// terminal sentinel.
func (c *Client) parseEvent(event string) (text string, done bool) {
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			return "", true
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.WithError(err).Debug("Skipping malformed stream frame")
			continue
		}
		if len(chunk.Choices) > 0 {
			text += chunk.Choices[0].Delta.Content
		}
	}
	return text, false
}
