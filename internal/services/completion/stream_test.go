package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	deltas []string
}

func (s *collectSink) Delta(text string) error {
	s.deltas = append(s.deltas, text)
	return nil
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := &config.ModelsConfig{
		Cheapest: "test-model",
		Endpoints: []config.ModelEndpoint{{
			Name:    "test",
			BaseURL: baseURL,
			APIKey:  "key",
			Models: []config.ModelInfo{{
				ID:        "test-model",
				Name:      "Test Model",
				MaxTokens: 4096,
			}},
		}},
	}
	return NewClient(cfg, log)
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
}

func deltaFrame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func TestStreamRelaysDeltasInOrder(t *testing.T) {
	srv := sseServer(t, []string{
		deltaFrame("Hello"),
		deltaFrame(", "),
		deltaFrame("world"),
		"data: [DONE]\n\n",
	})
	defer srv.Close()

	c := testClient(t, srv.URL)
	sink := &collectSink{}
	full, err := c.Stream(context.Background(), []models.PromptMessage{{Role: models.RoleUser, Content: "hi"}}, "test-model", sink)

	require.NoError(t, err)
	assert.Equal(t, "Hello, world", full)
	assert.Equal(t, []string{"Hello", ", ", "world"}, sink.deltas)
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := sseServer(t, []string{
		deltaFrame("good"),
		"data: {not json at all\n\n",
		deltaFrame(" frames"),
		"data: [DONE]\n\n",
	})
	defer srv.Close()

	c := testClient(t, srv.URL)
	sink := &collectSink{}
	full, err := c.Stream(context.Background(), nil, "test-model", sink)

	require.NoError(t, err)
	assert.Equal(t, "good frames", full)
}

func TestStreamFlushesTrailingBufferAtEOF(t *testing.T) {
	// Final frame has no trailing blank line and no sentinel.
	srv := sseServer(t, []string{
		deltaFrame("first"),
		"data: {\"choices\":[{\"delta\":{\"content\":\" last\"}}]}",
	})
	defer srv.Close()

	c := testClient(t, srv.URL)
	sink := &collectSink{}
	full, err := c.Stream(context.Background(), nil, "test-model", sink)

	require.NoError(t, err)
	assert.Equal(t, "first last", full)
	assert.Equal(t, []string{"first", " last"}, sink.deltas)
}

func TestStreamStopsAtSentinel(t *testing.T) {
	srv := sseServer(t, []string{
		deltaFrame("before"),
		"data: [DONE]\n\n",
		deltaFrame("after"),
	})
	defer srv.Close()

	c := testClient(t, srv.URL)
	sink := &collectSink{}
	full, err := c.Stream(context.Background(), nil, "test-model", sink)

	require.NoError(t, err)
	assert.Equal(t, "before", full)
}

func TestStreamNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Stream(context.Background(), nil, "test-model", &collectSink{})

	var upstream *models.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, deltaFrame("partial"))
		flusher.Flush()
		cancel()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c := testClient(t, srv.URL)
	_, err := c.Stream(ctx, nil, "test-model", &collectSink{})
	assert.Error(t, err)
}

func TestStreamUnknownModel(t *testing.T) {
	c := testClient(t, "http://localhost:0")
	_, err := c.Stream(context.Background(), nil, "missing-model", &collectSink{})
	assert.Error(t, err)
}
