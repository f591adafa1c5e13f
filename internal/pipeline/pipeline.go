// Package pipeline decides how each inbound chat message is answered: a
// pattern rule, a semantic cache hit, a deterministic document excerpt, or a
// streamed completion, with quota and plan gates between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/i18n"
	"github.com/owolfdev/chatiq/internal/middleware"
	"github.com/owolfdev/chatiq/internal/models"
	"github.com/owolfdev/chatiq/internal/services/completion"
	"github.com/owolfdev/chatiq/internal/services/moderation"
	"github.com/owolfdev/chatiq/internal/services/pattern"
	"github.com/owolfdev/chatiq/internal/services/semcache"
	"github.com/owolfdev/chatiq/internal/store"
	"github.com/sirupsen/logrus"
)

// Identity classifies who is calling.
type Identity string

const (
	IdentityInternal Identity = "internal" // authenticated dashboard session
	IdentityAPIKey   Identity = "api_key"
	IdentityPublic   Identity = "public" // anonymous embed widget
)

// Answer sources reported to callers and metrics.
const (
	SourcePattern       = "pattern"
	SourceCache         = "cache"
	SourceDeterministic = "deterministic"
	SourceLLM           = "llm"
	SourceDefault       = "default"
	SourceApology       = "apology"
	SourceQuota         = "quota"
	SourceTakeover      = "takeover"
)

// Request is one inbound chat message with resolved caller identity.
type Request struct {
	Message        string
	BotRef         string
	ConversationID string
	History        []models.PromptMessage
	Identity       Identity
	TeamID         string // from the credential, empty for public
	UserID         string
	Origin         string
	PrivateMode    bool
	Source         string
	Lang           string
}

// Result is the final response envelope.
type Result struct {
	Response       string
	RichHTML       string
	ConversationID string
	Source         string
	QuickReplies   []string
}

// Sink receives streamed text deltas.
type Sink interface {
	Delta(text string) error
}

// Store is the slice of persistence the pipeline needs.
type Store interface {
	GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	ListRules(ctx context.Context, botID string) ([]models.PatternRule, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SetTakeover(ctx context.Context, conversationID string, active bool, until *time.Time) error
	SetTopic(ctx context.Context, conversationID, topic string) error
	SaveTurn(ctx context.Context, p store.SaveTurnParams) (string, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// SemanticCache is the response cache surface.
type SemanticCache interface {
	Lookup(ctx context.Context, message string, bot *models.Bot) *semcache.Result
	Touch(ctx context.Context, bot *models.Bot, res *semcache.Result)
	Store(ctx context.Context, message, response string, bot *models.Bot) error
}

// Retriever supplies context chunks and deterministic excerpts.
type Retriever interface {
	ContextChunks(ctx context.Context, teamID, botID, query, conversationID string, budget int) ([]models.Chunk, error)
	Excerpt(ctx context.Context, teamID, botID, query string) (string, bool)
}

// Quota is the usage guard surface.
type Quota interface {
	EnsureAllowed(ctx context.Context, team *models.Team, resource string, amount int64) error
	Increment(ctx context.Context, team *models.Team, resource string, amount int64) error
}

// Options are the pipeline tunables.
type Options struct {
	StreamChunkSize  int
	StreamChunkDelay time.Duration
	HistoryLimit     int
	TokenBuffer      int
	TopicsEnabled    bool
}

// OptionsFromConfig maps config onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StreamChunkSize:  cfg.Pipeline.StreamChunkSize,
		StreamChunkDelay: cfg.Pipeline.StreamChunkDelay,
		HistoryLimit:     cfg.Pipeline.HistoryLimit,
		TokenBuffer:      cfg.Retrieval.TokenBuffer,
		TopicsEnabled:    cfg.Pipeline.TopicsEnabled,
	}
}

// Pipeline orchestrates the response resolution for one request at a time.
// It holds no per-request state; concurrent requests share only the backing
// store and caches.
type Pipeline struct {
	store      Store
	elevated   Store
	matcher    *pattern.Matcher
	cache      SemanticCache
	retriever  Retriever
	guard      Quota
	completer  completion.Service
	policy     completion.ModelPolicy
	validator  moderation.Validator
	localizer  *i18n.Localizer
	metrics    *middleware.Metrics
	classifier GenericClassifier
	opts       Options
	logger     *logrus.Logger
}

// New wires a pipeline.
func New(
	st Store,
	matcher *pattern.Matcher,
	cache SemanticCache,
	retriever Retriever,
	guard Quota,
	completer completion.Service,
	policy completion.ModelPolicy,
	validator moderation.Validator,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	opts Options,
	logger *logrus.Logger,
) *Pipeline {
	if opts.StreamChunkSize <= 0 {
		opts.StreamChunkSize = 15
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	return &Pipeline{
		store:      st,
		matcher:    matcher,
		cache:      cache,
		retriever:  retriever,
		guard:      guard,
		completer:  completer,
		policy:     policy,
		validator:  validator,
		localizer:  localizer,
		metrics:    metrics,
		classifier: NewLexicalClassifier(),
		opts:       opts,
		logger:     logger,
	}
}

// SetClassifier swaps the genericness heuristic.
func (p *Pipeline) SetClassifier(c GenericClassifier) {
	p.classifier = c
}

// SetElevatedStore provides a service-role persistence handle. Requests
// without an authenticated session write through it; see resolveContext.
func (p *Pipeline) SetElevatedStore(st Store) {
	p.elevated = st
}

// requestState carries the per-request context through the stages.
type requestState struct {
	req           *Request
	sink          Sink
	bot           *models.Bot
	team          *models.Team
	conversation  *models.Conversation
	writer        Store
	rules         []models.PatternRule
	history       []models.PromptMessage
	lastAssistant string
	now           time.Time
}

// Respond runs the full resolution state machine for one request and streams
// the answer into sink. Pattern and cache hits are served before any quota or
// moderation work; they are zero-cost and must never be blocked by either.
func (p *Pipeline) Respond(ctx context.Context, req *Request, sink Sink) (*Result, error) {
	p.metrics.RecordChatRequest(string(req.Identity))

	st, err := p.resolveContext(ctx, req, sink)
	if err != nil {
		return nil, err
	}

	log := p.logger.WithFields(logrus.Fields{
		"team_id":  st.team.ID,
		"bot_id":   st.bot.ID,
		"identity": req.Identity,
	})

	// Human takeover: only a release rule may answer; everything else is
	// recorded for the operator and left unanswered.
	if st.conversation != nil && st.conversation.InTakeover(st.now) {
		return p.handleTakeover(ctx, st, log)
	}

	// Pattern rules.
	if m := p.matcher.Match(st.rules, req.Message); m != nil {
		if p.suppressed(m.Response, st.lastAssistant, req.Message) {
			log.WithField("rule_id", m.Rule.ID).Debug("Pattern match suppressed as repeat")
		} else {
			return p.deliverStatic(ctx, st, &answer{
				text:   m.Response,
				source: SourcePattern,
				rule:   m.Rule,
			})
		}
	}

	// Semantic cache.
	if hit := p.cache.Lookup(ctx, req.Message, st.bot); hit != nil {
		if p.suppressed(hit.Response, st.lastAssistant, req.Message) {
			log.Debug("Cache hit suppressed as repeat")
		} else {
			path := "similarity"
			if hit.Similarity >= 1.0 {
				path = "exact"
			}
			p.metrics.RecordCacheHit(path)
			p.cache.Touch(ctx, st.bot, hit)
			return p.deliverStatic(ctx, st, &answer{
				text:   hit.Response,
				source: SourceCache,
			})
		}
	} else {
		p.metrics.RecordCacheMiss()
	}

	// Moderation gates everything that could reach the index or the model.
	meta := moderation.Meta{TeamID: st.team.ID, BotID: st.bot.ID, ConversationID: req.ConversationID}
	if err := p.validator.Validate(ctx, req.Message, meta); err != nil {
		var flagged *models.ModerationFlaggedError
		if errors.As(err, &flagged) {
			p.metrics.RecordModerationBlocked()
			return nil, flagged
		}
		return nil, fmt.Errorf("moderation check failed: %w", err)
	}

	// Plan gates: expired trial or disabled LLM blocks generation entirely.
	if st.team.TrialExpired(st.now) {
		log.Info("Generative completion blocked: trial expired")
		if ans := p.runFallbacks(ctx, st); ans != nil {
			return p.deliverStatic(ctx, st, ans)
		}
		return nil, &models.FreeTierExpiredError{TeamID: st.team.ID}
	}
	if !st.bot.LLMEnabled {
		log.Debug("Generative completion blocked: bot has LLM disabled")
		if ans := p.runFallbacks(ctx, st); ans != nil {
			return p.deliverStatic(ctx, st, ans)
		}
		return nil, &models.LLMDisabledError{BotID: st.bot.ID}
	}

	return p.complete(ctx, st, log)
}

// resolveContext loads bot, team, conversation and history, and enforces the
// authorization boundary.
func (p *Pipeline) resolveContext(ctx context.Context, req *Request, sink Sink) (*requestState, error) {
	start := time.Now()
	defer func() { p.metrics.RecordStage("resolve_context", time.Since(start)) }()

	bot, err := p.store.GetBotBySlugOrID(ctx, req.BotRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.UnauthorizedError{Reason: "unknown bot"}
		}
		return nil, fmt.Errorf("failed to resolve bot: %w", err)
	}

	switch req.Identity {
	case IdentityInternal, IdentityAPIKey:
		if req.TeamID != bot.TeamID {
			return nil, &models.UnauthorizedError{Reason: "bot does not belong to caller's team"}
		}
	case IdentityPublic:
		if !bot.IsPublic {
			return nil, &models.UnauthorizedError{Reason: "bot is not public"}
		}
	default:
		return nil, &models.UnauthorizedError{Reason: "missing credential"}
	}
	if req.Identity == IdentityAPIKey && !bot.DomainAllowed(req.Origin) {
		return nil, &models.UnauthorizedError{Reason: "origin not in allow-list"}
	}

	team, err := p.store.GetTeam(ctx, bot.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve team: %w", err)
	}

	st := &requestState{
		req:  req,
		sink: sink,
		bot:  bot,
		team: team,
		now:  time.Now(),
	}

	// Persistence privilege is fixed here for the whole request. Sessions
	// without an authenticated user cannot write under the standard role, so
	// they take the service-role handle when one is configured.
	st.writer = p.store
	if p.elevated != nil && req.Identity != IdentityInternal {
		st.writer = p.elevated
	}

	if req.ConversationID != "" {
		conv, err := p.store.GetConversation(ctx, req.ConversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve conversation: %w", err)
		}
		st.conversation = conv
	}

	st.history = req.History
	if len(st.history) == 0 && st.conversation != nil {
		msgs, err := p.store.RecentTurns(ctx, st.conversation.ID, p.opts.HistoryLimit)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to load conversation history")
		}
		for _, m := range msgs {
			st.history = append(st.history, models.PromptMessage{Role: m.Role, Content: m.Content})
		}
	}
	for i := len(st.history) - 1; i >= 0; i-- {
		if st.history[i].Role == models.RoleAssistant {
			st.lastAssistant = st.history[i].Content
			break
		}
	}

	st.rules, err = p.store.ListRules(ctx, bot.ID)
	if err != nil {
		// Rules are an optimization layer; losing them must not kill the turn.
		p.logger.WithError(err).Warn("Failed to load pattern rules")
		st.rules = nil
	}

	return st, nil
}

func (p *Pipeline) handleTakeover(ctx context.Context, st *requestState, log *logrus.Entry) (*Result, error) {
	// During a takeover only release rules are considered, so an ordinary rule
	// that happens to match cannot shadow the way back to the bot.
	var release []models.PatternRule
	for _, r := range st.rules {
		if r.Action == models.ActionHumanTakeoverOff {
			release = append(release, r)
		}
	}
	if m := p.matcher.Match(release, st.req.Message); m != nil {
		log.Info("Takeover release rule matched")
		return p.deliverStatic(ctx, st, &answer{
			text:   m.Response,
			source: SourcePattern,
			rule:   m.Rule,
		})
	}

	convID := st.req.ConversationID
	if !st.req.PrivateMode {
		id, err := p.persistTurn(ctx, st, "")
		if err != nil {
			return nil, err
		}
		convID = id
	}
	log.Debug("Conversation in human takeover, recorded message without answering")
	p.metrics.RecordResolution(SourceTakeover, "success")
	return &Result{ConversationID: convID, Source: SourceTakeover}, nil
}

// persistTurn saves the exchange unless the request is private-mode. An empty
// response stores the user message alone.
func (p *Pipeline) persistTurn(ctx context.Context, st *requestState, response string) (string, error) {
	if st.req.PrivateMode {
		return st.req.ConversationID, nil
	}

	convID, err := st.writer.SaveTurn(ctx, store.SaveTurnParams{
		TeamID:           st.team.ID,
		BotID:            st.bot.ID,
		UserID:           st.req.UserID,
		ConversationID:   st.req.ConversationID,
		UserMessage:      st.req.Message,
		AssistantMessage: response,
		Source:           st.req.Source,
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist turn: %w", err)
	}

	if p.opts.TopicsEnabled && response != "" {
		go p.classifyTopic(st.writer, convID, st.req.Message)
	}
	return convID, nil
}

// classifyTopic tags the conversation with a short topic label. Best-effort:
// failures are logged, never surfaced.
func (p *Pipeline) classifyTopic(writer Store, conversationID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	topic, err := p.completer.GetResponse(ctx, []models.PromptMessage{
		{Role: models.RoleSystem, Content: "Label the topic of the customer message in at most three lowercase words. Reply with the label only."},
		{Role: models.RoleUser, Content: message},
	}, p.policy.Cheapest)
	if err != nil {
		p.logger.WithError(err).Debug("Topic classification failed")
		return
	}
	if err := writer.SetTopic(ctx, conversationID, topic); err != nil {
		p.logger.WithError(err).Debug("Failed to store conversation topic")
	}
}
