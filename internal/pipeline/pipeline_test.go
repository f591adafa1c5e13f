package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	bot          *models.Bot
	team         *models.Team
	rules        []models.PatternRule
	conversation *models.Conversation
	turns        []models.Message

	savedTurns []store.SaveTurnParams
	takeovers  []bool
}

func (f *fakeStore) GetBotBySlugOrID(ctx context.Context, ref string) (*models.Bot, error) {
	if f.bot == nil {
		return nil, store.ErrNotFound
	}
	return f.bot, nil
}

func (f *fakeStore) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	return f.team, nil
}

func (f *fakeStore) ListRules(ctx context.Context, botID string) ([]models.PatternRule, error) {
	return f.rules, nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if f.conversation == nil {
		return nil, store.ErrNotFound
	}
	return f.conversation, nil
}

func (f *fakeStore) SetTakeover(ctx context.Context, conversationID string, active bool, until *time.Time) error {
	f.takeovers = append(f.takeovers, active)
	return nil
}

func (f *fakeStore) SetTopic(ctx context.Context, conversationID, topic string) error {
	return nil
}

func (f *fakeStore) SaveTurn(ctx context.Context, p store.SaveTurnParams) (string, error) {
	f.savedTurns = append(f.savedTurns, p)
	if p.ConversationID != "" {
		return p.ConversationID, nil
	}
	return "conv-new", nil
}

func (f *fakeStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	return f.turns, nil
}

type fakeCache struct {
	hit     *semcache.Result
	stored  []string
	touches int
}

func (f *fakeCache) Lookup(ctx context.Context, message string, bot *models.Bot) *semcache.Result {
	return f.hit
}

func (f *fakeCache) Touch(ctx context.Context, bot *models.Bot, res *semcache.Result) {
	f.touches++
}

func (f *fakeCache) Store(ctx context.Context, message, response string, bot *models.Bot) error {
	f.stored = append(f.stored, response)
	return nil
}

type fakeRetriever struct {
	chunks     []models.Chunk
	chunksErr  error
	excerpt    string
	excerptOK  bool
	chunkCalls int
}

func (f *fakeRetriever) ContextChunks(ctx context.Context, teamID, botID, query, conversationID string, budget int) ([]models.Chunk, error) {
	f.chunkCalls++
	return f.chunks, f.chunksErr
}

func (f *fakeRetriever) Excerpt(ctx context.Context, teamID, botID, query string) (string, bool) {
	return f.excerpt, f.excerptOK
}

type fakeQuota struct {
	allowErr   error
	checks     int
	increments int
}

func (f *fakeQuota) EnsureAllowed(ctx context.Context, team *models.Team, resource string, amount int64) error {
	f.checks++
	return f.allowErr
}

func (f *fakeQuota) Increment(ctx context.Context, team *models.Team, resource string, amount int64) error {
	f.increments += int(amount)
	return nil
}

type fakeCompleter struct {
	text    string
	err     error
	calls   int
	maxToks int
}

func (f *fakeCompleter) Stream(ctx context.Context, messages []models.PromptMessage, modelID string, sink completion.Sink) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	for _, piece := range strings.SplitAfter(f.text, " ") {
		if err := sink.Delta(piece); err != nil {
			return "", err
		}
	}
	return f.text, nil
}

func (f *fakeCompleter) GetResponse(ctx context.Context, messages []models.PromptMessage, modelID string) (string, error) {
	return f.text, f.err
}

func (f *fakeCompleter) GetModelByID(modelID string) (*completion.ModelOption, error) {
	toks := f.maxToks
	if toks == 0 {
		toks = 8192
	}
	return &completion.ModelOption{ID: modelID, MaxTokens: toks}, nil
}

type flaggingValidator struct{}

func (flaggingValidator) Validate(ctx context.Context, message string, meta moderation.Meta) error {
	return &models.ModerationFlaggedError{Category: "harassment"}
}

type recordSink struct {
	deltas []string
}

func (s *recordSink) Delta(text string) error {
	s.deltas = append(s.deltas, text)
	return nil
}

type fixture struct {
	store     *fakeStore
	cache     *fakeCache
	retriever *fakeRetriever
	quota     *fakeQuota
	completer *fakeCompleter
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	f := &fixture{
		store: &fakeStore{
			bot: &models.Bot{
				ID:         "bot-1",
				TeamID:     "team-1",
				Slug:       "support",
				LLMEnabled: true,
				IsPublic:   true,
			},
			team: &models.Team{
				ID:        "team-1",
				Plan:      models.PlanPro,
				CreatedAt: time.Now().UTC().AddDate(0, -1, 0),
			},
		},
		cache:     &fakeCache{},
		retriever: &fakeRetriever{},
		quota:     &fakeQuota{},
		completer: &fakeCompleter{text: "Here is the generated answer."},
	}

	f.pipeline = New(
		f.store,
		pattern.NewMatcher(log),
		f.cache,
		f.retriever,
		f.quota,
		f.completer,
		completion.ModelPolicy{Cheapest: "cheap-model"},
		moderation.NewValidator(&config.ModerationConfig{Enabled: false}, log),
		&i18n.Localizer{},
		middleware.NewMetrics(),
		Options{StreamChunkSize: 1000, HistoryLimit: 20, TokenBuffer: 500},
		log,
	)
	return f
}

func internalRequest(msg string) *Request {
	return &Request{
		Message:  msg,
		BotRef:   "support",
		Identity: IdentityInternal,
		TeamID:   "team-1",
	}
}

func publicRequest(msg string) *Request {
	return &Request{
		Message:  msg,
		BotRef:   "support",
		Identity: IdentityPublic,
	}
}

func TestPatternHitSkipsCompletionAndQuota(t *testing.T) {
	f := newFixture(t)
	f.store.rules = []models.PatternRule{{
		ID: "r1", Pattern: "hello|hi", Kind: models.PatternKeyword,
		Enabled: true, Response: "Hi! How can I help?", CreatedAt: time.Now(),
	}}
	// Even an expired trial serves pattern answers.
	f.store.team.Plan = models.PlanFree
	past := time.Now().Add(-24 * time.Hour)
	f.store.team.TrialEndsAt = &past

	sink := &recordSink{}
	result, err := f.pipeline.Respond(context.Background(), publicRequest("hello there"), sink)

	require.NoError(t, err)
	assert.Equal(t, SourcePattern, result.Source)
	assert.Equal(t, "Hi! How can I help?", result.Response)
	assert.Equal(t, "Hi! How can I help?", strings.Join(sink.deltas, ""))
	assert.Zero(t, f.completer.calls)
	assert.Zero(t, f.quota.checks)
	assert.Zero(t, f.quota.increments)
	require.Len(t, f.store.savedTurns, 1)
}

func TestCacheHitSkipsCompletionAndQuota(t *testing.T) {
	f := newFixture(t)
	f.cache.hit = &semcache.Result{Response: "Cached answer.", Similarity: 1.0}

	result, err := f.pipeline.Respond(context.Background(), internalRequest("repeat question"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "Cached answer.", result.Response)
	assert.Zero(t, f.completer.calls)
	assert.Zero(t, f.quota.increments)
	assert.Equal(t, 1, f.cache.touches)
}

func TestSuppressedCacheHitIsNotCounted(t *testing.T) {
	f := newFixture(t)
	f.cache.hit = &semcache.Result{Response: "We are open nine to five.", Similarity: 1.0}
	req := internalRequest("what are your hours again")
	req.History = []models.PromptMessage{
		{Role: models.RoleUser, Content: "hours?"},
		{Role: models.RoleAssistant, Content: "We are open nine to five."},
	}

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	assert.Zero(t, f.cache.touches)
}

func TestUnknownBotIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.store.bot = nil

	_, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})
	var unauthorized *models.UnauthorizedError
	assert.True(t, errors.As(err, &unauthorized))
}

func TestCrossTeamAccessIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	req := internalRequest("hi")
	req.TeamID = "other-team"

	_, err := f.pipeline.Respond(context.Background(), req, &recordSink{})
	var unauthorized *models.UnauthorizedError
	assert.True(t, errors.As(err, &unauthorized))
}

func TestPrivateBotRejectsPublicCaller(t *testing.T) {
	f := newFixture(t)
	f.store.bot.IsPublic = false

	_, err := f.pipeline.Respond(context.Background(), publicRequest("hi"), &recordSink{})
	var unauthorized *models.UnauthorizedError
	assert.True(t, errors.As(err, &unauthorized))
}

func TestModerationFlaggedStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.pipeline.validator = flaggingValidator{}

	_, err := f.pipeline.Respond(context.Background(), internalRequest("something nasty"), &recordSink{})

	var flagged *models.ModerationFlaggedError
	require.True(t, errors.As(err, &flagged))
	assert.Zero(t, f.completer.calls)
	assert.Zero(t, f.retriever.chunkCalls)
	assert.Empty(t, f.store.savedTurns)
}

func TestTrialExpiredFallsBackToExcerpt(t *testing.T) {
	f := newFixture(t)
	f.store.team.Plan = models.PlanFree
	past := time.Now().Add(-time.Hour)
	f.store.team.TrialEndsAt = &past
	f.retriever.excerpt = "Refunds take thirty days."
	f.retriever.excerptOK = true

	result, err := f.pipeline.Respond(context.Background(), internalRequest("refund policy?"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceDeterministic, result.Source)
	assert.Equal(t, "Refunds take thirty days.", result.Response)
	assert.Zero(t, f.completer.calls)
	assert.Zero(t, f.quota.increments)
}

func TestTrialExpiredNoFallbackInternalGetsTypedError(t *testing.T) {
	f := newFixture(t)
	f.store.team.Plan = models.PlanFree
	past := time.Now().Add(-time.Hour)
	f.store.team.TrialEndsAt = &past

	_, err := f.pipeline.Respond(context.Background(), internalRequest("anything"), &recordSink{})
	var expired *models.FreeTierExpiredError
	assert.True(t, errors.As(err, &expired))
}

func TestTrialExpiredPublicAlwaysGetsText(t *testing.T) {
	f := newFixture(t)
	f.store.team.Plan = models.PlanFree
	past := time.Now().Add(-time.Hour)
	f.store.team.TrialEndsAt = &past

	result, err := f.pipeline.Respond(context.Background(), publicRequest("anything"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceApology, result.Source)
	assert.NotEmpty(t, result.Response)
}

func TestLLMDisabledUsesFallbackChainOrder(t *testing.T) {
	f := newFixture(t)
	f.store.bot.LLMEnabled = false
	f.store.bot.DefaultResponse = "Please email support@example.com."
	f.store.rules = []models.PatternRule{{
		ID: "res", Pattern: models.ReservedUnavailableRule, Kind: models.PatternExact,
		Enabled: true, Response: "The assistant is resting.", CreatedAt: time.Now(),
	}}

	// Reserved rule outranks the bot default response.
	result, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})
	require.NoError(t, err)
	assert.Equal(t, "The assistant is resting.", result.Response)

	// Without the reserved rule the default response serves.
	f.store.rules = nil
	result, err = f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, result.Source)
	assert.Equal(t, "Please email support@example.com.", result.Response)
}

func TestUpstreamFailureFallsBackWithoutBilling(t *testing.T) {
	f := newFixture(t)
	f.completer.err = &models.UpstreamError{StatusCode: 500, Message: "overloaded"}
	f.retriever.excerpt = "From the docs: thirty days."
	f.retriever.excerptOK = true

	result, err := f.pipeline.Respond(context.Background(), internalRequest("refunds?"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceDeterministic, result.Source)
	assert.Equal(t, 1, f.completer.calls)
	assert.Zero(t, f.quota.increments)
	assert.Empty(t, f.cache.stored)
}

func TestQuotaExceededPublicGetsFriendlyAnswer(t *testing.T) {
	f := newFixture(t)
	f.quota.allowErr = &models.QuotaExceededError{
		Resource: models.ResourceMessages, Used: 50, Limit: 50,
		PeriodEnd: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}

	result, err := f.pipeline.Respond(context.Background(), publicRequest("hi"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceQuota, result.Source)
	assert.NotEmpty(t, result.Response)
	assert.Zero(t, f.completer.calls)
	assert.Zero(t, f.quota.increments)
}

func TestQuotaExceededInternalGetsTypedError(t *testing.T) {
	f := newFixture(t)
	f.quota.allowErr = &models.QuotaExceededError{
		Resource: models.ResourceMessages, Used: 50, Limit: 50, PeriodEnd: time.Now(),
	}

	_, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})
	var exceeded *models.QuotaExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Zero(t, f.completer.calls)
}

func TestQuotaExceededReservedRuleWinsForAnyIdentity(t *testing.T) {
	f := newFixture(t)
	f.quota.allowErr = &models.QuotaExceededError{
		Resource: models.ResourceMessages, Used: 50, Limit: 50, PeriodEnd: time.Now(),
	}
	f.store.rules = []models.PatternRule{{
		ID: "res", Pattern: models.ReservedQuotaExceededRule, Kind: models.PatternExact,
		Enabled: true, Response: "Monthly limit reached, upgrade to continue.", CreatedAt: time.Now(),
	}}

	result, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})
	require.NoError(t, err)
	assert.Equal(t, SourceQuota, result.Source)
	assert.Equal(t, "Monthly limit reached, upgrade to continue.", result.Response)
}

func TestSuccessfulCompletionBillsAndCachesOnce(t *testing.T) {
	f := newFixture(t)
	sink := &recordSink{}

	result, err := f.pipeline.Respond(context.Background(), internalRequest("explain refunds"), sink)

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	assert.Equal(t, "Here is the generated answer.", result.Response)
	assert.Equal(t, "Here is the generated answer.", strings.Join(sink.deltas, ""))
	assert.Equal(t, 1, f.quota.checks)
	assert.Equal(t, 1, f.quota.increments)
	require.Len(t, f.cache.stored, 1)
	require.Len(t, f.store.savedTurns, 1)
	assert.Equal(t, "Here is the generated answer.", f.store.savedTurns[0].AssistantMessage)
}

func TestCancellationNeverPersistsOrBills(t *testing.T) {
	f := newFixture(t)
	f.completer.err = context.Canceled

	_, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.store.savedTurns)
	assert.Zero(t, f.quota.increments)
	assert.Empty(t, f.cache.stored)
}

func TestRetrievalFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.retriever.chunksErr = errors.New("index down")
	f.store.bot.DefaultResponse = "Email us at help@example.com."

	result, err := f.pipeline.Respond(context.Background(), internalRequest("hi"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceDefault, result.Source)
	assert.Zero(t, f.completer.calls)
}

func TestDuplicateSuppressionSkipsRepeatedPatternAnswer(t *testing.T) {
	f := newFixture(t)
	f.store.rules = []models.PatternRule{{
		ID: "r1", Pattern: "hours", Kind: models.PatternKeyword,
		Enabled: true, Response: "We are open nine to five.", CreatedAt: time.Now(),
	}}
	req := internalRequest("what are your hours")
	req.History = []models.PromptMessage{
		{Role: models.RoleUser, Content: "hours?"},
		{Role: models.RoleAssistant, Content: "We are open nine to five."},
	}

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	// The byte-identical canned answer is suppressed; generation answers instead.
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	assert.Equal(t, 1, f.completer.calls)
}

func TestFollowUpSuppressionOfGenericRedirect(t *testing.T) {
	f := newFixture(t)
	f.store.rules = []models.PatternRule{{
		ID: "r1", Pattern: "pricing", Kind: models.PatternKeyword,
		Enabled: true, Response: "Check our pricing page.", CreatedAt: time.Now(),
	}}
	req := internalRequest("what about pricing for teams")
	req.History = []models.PromptMessage{
		{Role: models.RoleUser, Content: "pricing?"},
		{Role: models.RoleAssistant, Content: "Please visit our pricing page."},
	}

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
}

func TestTakeoverRecordsWithoutAnswering(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(time.Hour)
	f.store.conversation = &models.Conversation{
		ID: "conv-1", TakeoverActive: true, TakeoverUntil: &until,
	}
	req := internalRequest("are you a robot?")
	req.ConversationID = "conv-1"

	sink := &recordSink{}
	result, err := f.pipeline.Respond(context.Background(), req, sink)

	require.NoError(t, err)
	assert.Equal(t, SourceTakeover, result.Source)
	assert.Empty(t, result.Response)
	assert.Empty(t, sink.deltas)
	assert.Zero(t, f.completer.calls)
	require.Len(t, f.store.savedTurns, 1)
	assert.Empty(t, f.store.savedTurns[0].AssistantMessage)
}

func TestTakeoverReleaseRuleAnswers(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(time.Hour)
	f.store.conversation = &models.Conversation{
		ID: "conv-1", TakeoverActive: true, TakeoverUntil: &until,
	}
	f.store.rules = []models.PatternRule{{
		ID: "release", Pattern: "resume bot", Kind: models.PatternExact,
		Enabled: true, Response: "The assistant is back.", Action: models.ActionHumanTakeoverOff,
		CreatedAt: time.Now(),
	}}
	req := internalRequest("resume bot")
	req.ConversationID = "conv-1"

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, "The assistant is back.", result.Response)
	require.Len(t, f.store.takeovers, 1)
	assert.False(t, f.store.takeovers[0])
}

func TestTakeoverReleaseNotMaskedByHigherPriorityRule(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(time.Hour)
	f.store.conversation = &models.Conversation{
		ID: "conv-1", TakeoverActive: true, TakeoverUntil: &until,
	}
	// An ordinary rule that also matches the message must not shadow the
	// release rule while a takeover is active.
	f.store.rules = []models.PatternRule{
		{
			ID: "faq", Pattern: "bot", Kind: models.PatternKeyword,
			Enabled: true, Priority: 10, Response: "I am a chatbot.",
			CreatedAt: time.Now(),
		},
		{
			ID: "release", Pattern: "resume bot", Kind: models.PatternExact,
			Enabled: true, Priority: 1, Response: "The assistant is back.",
			Action: models.ActionHumanTakeoverOff, CreatedAt: time.Now(),
		},
	}
	req := internalRequest("resume bot")
	req.ConversationID = "conv-1"

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, "The assistant is back.", result.Response)
	require.Len(t, f.store.takeovers, 1)
	assert.False(t, f.store.takeovers[0])
}

func TestTakeoverOnActionSetsConversationState(t *testing.T) {
	f := newFixture(t)
	f.store.rules = []models.PatternRule{{
		ID: "human", Pattern: "human|agent", Kind: models.PatternKeyword,
		Enabled: true, Response: "Connecting you to a person.",
		Action:       models.ActionHumanTakeoverOn,
		ActionConfig: models.ActionConfig{TakeoverMinutes: 30},
		CreatedAt:    time.Now(),
	}}

	result, err := f.pipeline.Respond(context.Background(), internalRequest("I want a human"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, "Connecting you to a person.", result.Response)
	require.Len(t, f.store.takeovers, 1)
	assert.True(t, f.store.takeovers[0])
}

func TestHumanRequestActionAttachesQuickReplies(t *testing.T) {
	f := newFixture(t)
	f.store.rules = []models.PatternRule{{
		ID: "hr", Pattern: "contact", Kind: models.PatternKeyword,
		Enabled: true, Response: "How would you like to reach us?",
		Action:       models.ActionHumanRequest,
		ActionConfig: models.ActionConfig{QuickReplies: []string{"Email", "Phone"}},
		CreatedAt:    time.Now(),
	}}

	result, err := f.pipeline.Respond(context.Background(), internalRequest("contact please"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, []string{"Email", "Phone"}, result.QuickReplies)
}

func TestPrivateModeNeverPersists(t *testing.T) {
	f := newFixture(t)
	req := internalRequest("explain refunds")
	req.PrivateMode = true

	result, err := f.pipeline.Respond(context.Background(), req, &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	assert.Empty(t, f.store.savedTurns)
	// Billing still happens for generated answers.
	assert.Equal(t, 1, f.quota.increments)
}

func TestPublicCallerPersistsThroughElevatedStore(t *testing.T) {
	f := newFixture(t)
	elevated := &fakeStore{}
	f.pipeline.SetElevatedStore(elevated)

	result, err := f.pipeline.Respond(context.Background(), publicRequest("explain refunds"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	require.Len(t, elevated.savedTurns, 1)
	assert.Empty(t, f.store.savedTurns)
}

func TestInternalCallerPersistsThroughStandardStore(t *testing.T) {
	f := newFixture(t)
	elevated := &fakeStore{}
	f.pipeline.SetElevatedStore(elevated)

	result, err := f.pipeline.Respond(context.Background(), internalRequest("explain refunds"), &recordSink{})

	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Source)
	require.Len(t, f.store.savedTurns, 1)
	assert.Empty(t, elevated.savedTurns)
}
