package pipeline

import (
	"context"

	"github.com/owolfdev/chatiq/internal/i18n"
	"github.com/owolfdev/chatiq/internal/models"
)

// FallbackProvider is one step of the non-generative fallback chain. The
// orchestrator evaluates the chain uniformly wherever generation is
// unavailable; no call site carries its own inline chain.
type FallbackProvider interface {
	Name() string
	TryAnswer(ctx context.Context, st *requestState) (*answer, bool)
}

// runFallbacks evaluates the ordered chain and returns the first answer:
// deterministic excerpt, then the configured unavailable rule, then the bot's
// default response, then (public embeds only) a generic apology.
func (p *Pipeline) runFallbacks(ctx context.Context, st *requestState) *answer {
	for _, provider := range p.fallbacks() {
		if ans, ok := provider.TryAnswer(ctx, st); ok {
			p.logger.WithFields(map[string]interface{}{
				"bot_id":   st.bot.ID,
				"provider": provider.Name(),
			}).Debug("Fallback provider answered")
			return ans
		}
	}
	return nil
}

func (p *Pipeline) fallbacks() []FallbackProvider {
	return []FallbackProvider{
		&deterministicProvider{p},
		&unavailableRuleProvider{p},
		&defaultResponseProvider{},
		&apologyProvider{p},
	}
}

type deterministicProvider struct{ p *Pipeline }

func (d *deterministicProvider) Name() string { return "deterministic" }

func (d *deterministicProvider) TryAnswer(ctx context.Context, st *requestState) (*answer, bool) {
	excerpt, ok := d.p.retriever.Excerpt(ctx, st.team.ID, st.bot.ID, st.req.Message)
	if !ok {
		return nil, false
	}
	return &answer{text: excerpt, source: SourceDeterministic, skipQuota: true}, true
}

type unavailableRuleProvider struct{ p *Pipeline }

func (u *unavailableRuleProvider) Name() string { return "unavailable_rule" }

func (u *unavailableRuleProvider) TryAnswer(ctx context.Context, st *requestState) (*answer, bool) {
	m := u.p.matcher.FindReserved(st.rules, models.ReservedUnavailableRule)
	if m == nil {
		return nil, false
	}
	return &answer{text: m.Response, source: SourcePattern, rule: m.Rule, skipQuota: true}, true
}

type defaultResponseProvider struct{}

func (d *defaultResponseProvider) Name() string { return "default_response" }

func (d *defaultResponseProvider) TryAnswer(ctx context.Context, st *requestState) (*answer, bool) {
	if st.bot.DefaultResponse == "" {
		return nil, false
	}
	return &answer{text: st.bot.DefaultResponse, source: SourceDefault, skipQuota: true}, true
}

// apologyProvider guarantees public embeds always get some text back.
type apologyProvider struct{ p *Pipeline }

func (a *apologyProvider) Name() string { return "apology" }

func (a *apologyProvider) TryAnswer(ctx context.Context, st *requestState) (*answer, bool) {
	if st.req.Identity != IdentityPublic {
		return nil, false
	}
	text := a.p.localizer.Get(st.req.Lang, i18n.MsgGenericApology, nil)
	return &answer{text: text, source: SourceApology, skipQuota: true}, true
}
