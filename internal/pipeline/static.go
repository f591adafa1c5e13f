package pipeline

import (
	"context"
	"time"

	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/pkg/markdown"
)

// answer is an internally resolved response before delivery.
type answer struct {
	text      string
	source    string
	rule      *models.PatternRule
	skipQuota bool // informational; static answers never consume quota
}

// deliverStatic streams a non-generative answer as simulated chunks for UX
// parity with real streaming, applies any rule action, and persists the turn
// quota-exempt.
func (p *Pipeline) deliverStatic(ctx context.Context, st *requestState, ans *answer) (*Result, error) {
	if err := p.streamChunks(ctx, st.sink, ans.text); err != nil {
		// Caller went away mid-stream; an aborted turn is never persisted.
		p.metrics.RecordResolution(ans.source, "aborted")
		return nil, err
	}

	convID, err := p.persistTurn(ctx, st, ans.text)
	if err != nil {
		p.metrics.RecordResolution(ans.source, "error")
		return nil, err
	}

	result := &Result{
		Response:       ans.text,
		ConversationID: convID,
		Source:         ans.source,
	}
	if st.bot.RichResponsesEnabled {
		result.RichHTML = markdown.ToWidgetHTML(ans.text)
	}

	if ans.rule != nil {
		p.applyAction(ctx, st, ans.rule, convID, result)
	}

	p.metrics.RecordResolution(ans.source, "success")
	return result, nil
}

// streamChunks relays text to the sink in small fixed-size pieces with a
// short delay per tick, honoring cancellation between ticks.
func (p *Pipeline) streamChunks(ctx context.Context, sink Sink, text string) error {
	if sink == nil {
		return nil
	}

	runes := []rune(text)
	size := p.opts.StreamChunkSize
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if err := sink.Delta(string(runes[start:end])); err != nil {
			return err
		}
		if end == len(runes) || p.opts.StreamChunkDelay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.StreamChunkDelay):
		}
	}
	return nil
}

// applyAction performs the rule's side effect: takeover state changes update
// the conversation before the response returns; human_request attaches the
// configured quick replies to the envelope.
func (p *Pipeline) applyAction(ctx context.Context, st *requestState, rule *models.PatternRule, convID string, result *Result) {
	switch rule.Action {
	case models.ActionHumanTakeoverOn:
		minutes := rule.ActionConfig.TakeoverMinutes
		if minutes <= 0 {
			minutes = 60
		}
		until := st.now.Add(time.Duration(minutes) * time.Minute)
		if err := st.writer.SetTakeover(ctx, convID, true, &until); err != nil {
			p.logger.WithError(err).Error("Failed to enable human takeover")
		}
	case models.ActionHumanTakeoverOff:
		if err := st.writer.SetTakeover(ctx, convID, false, nil); err != nil {
			p.logger.WithError(err).Error("Failed to release human takeover")
		}
	case models.ActionHumanRequest:
		if len(rule.ActionConfig.QuickReplies) > 0 {
			result.QuickReplies = rule.ActionConfig.QuickReplies
		}
	}
}
