package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/timeout"
)

//go:embed specialists.yaml
var defaultCatalog []byte

// Handler names that are not specialist rows.
const (
	HandlerOrchestrator = "orchestrator"
	HandlerAgent        = "agent"
)

// Specialist is one row of the specialist table.
type Specialist struct {
	Category         router.Category `yaml:"category"`
	Handler          string          `yaml:"handler"`
	PromptTemplateID string          `yaml:"prompt"`
	Temperature      float32         `yaml:"temperature"`
	MaxTokens        int             `yaml:"max_tokens"`
	Keywords         []string        `yaml:"keywords"`
	Priority         int             `yaml:"priority"`
	// Static specialists answer from templates without calling the generator.
	Static bool `yaml:"static"`
}

type catalogFile struct {
	Specialists []*Specialist     `yaml:"specialists"`
	Templates   map[string]string `yaml:"templates"`
}

// Catalog is the specialist table plus the prompt copy. It is read-only once loaded.
type Catalog struct {
	specialists map[router.Category]*Specialist
	order       []*Specialist
	prompts     *Prompts
}

// LoadCatalog reads the catalog from path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read specialist catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode specialist catalog: %w", err)
	}

	prompts, err := NewPrompts(file.Templates)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		specialists: make(map[router.Category]*Specialist, len(file.Specialists)),
		prompts:     prompts,
	}
	for _, s := range file.Specialists {
		if s == nil {
			continue
		}
		if !knownCategory(s.Category) {
			return nil, fmt.Errorf("unknown specialist category %q", s.Category)
		}
		if _, dup := c.specialists[s.Category]; dup {
			return nil, fmt.Errorf("duplicate specialist for %s", s.Category)
		}
		if s.Handler == "" {
			s.Handler = string(s.Category) + "_agent"
		}
		if !s.Static && !prompts.Has(s.PromptTemplateID) {
			return nil, fmt.Errorf("specialist %s references unknown prompt %q", s.Category, s.PromptTemplateID)
		}
		if s.Temperature < 0 || s.Temperature > 2 {
			return nil, fmt.Errorf("specialist %s temperature %.2f out of range", s.Category, s.Temperature)
		}
		c.specialists[s.Category] = s
		c.order = append(c.order, s)
	}

	for _, required := range []router.Category{router.CategoryGreeting, router.CategoryTriage, router.CategoryGeneral} {
		if _, ok := c.specialists[required]; !ok {
			return nil, fmt.Errorf("specialist catalog has no %s row", required)
		}
	}

	sort.SliceStable(c.order, func(i, j int) bool { return c.order[i].Priority < c.order[j].Priority })
	return c, nil
}

func knownCategory(c router.Category) bool {
	switch c {
	case router.CategoryGreeting, router.CategoryTriage, router.CategoryMedication,
		router.CategoryAppointments, router.CategoryCheckin, router.CategoryGeneral:
		return true
	}
	return false
}

// Specialist returns the row for category, falling back to general.
func (c *Catalog) Specialist(category router.Category) *Specialist {
	if s, ok := c.specialists[category]; ok {
		return s
	}
	return c.specialists[router.CategoryGeneral]
}

// Prompts returns the prompt templates.
func (c *Catalog) Prompts() *Prompts {
	return c.prompts
}

// KeywordSets returns the classifier keyword sets in priority order.
func (c *Catalog) KeywordSets() []router.KeywordSet {
	var sets []router.KeywordSet
	for _, s := range c.order {
		if len(s.Keywords) == 0 {
			continue
		}
		sets = append(sets, router.KeywordSet{Category: s.Category, Keywords: s.Keywords})
	}
	return sets
}

// Reply is the structured answer of a specialist.
type Reply struct {
	ReplyText         string            `json:"reply_text"`
	RiskLevel         router.Tier       `json:"risk_level"`
	RiskScore         int               `json:"risk_score"`
	SymptomSummary    string            `json:"symptom_summary"`
	FollowUpQuestions []string          `json:"follow_up_questions"`
	Actions           []string          `json:"actions"`
	SideEffects       []json.RawMessage `json:"side_effects"`

	Handler string `json:"-"`
}

// Risk returns the reply's own assessment.
func (r *Reply) Risk() router.RiskAssessment {
	tier := r.RiskLevel
	if tier == "" {
		tier = router.TierNone
	}
	return router.RiskAssessment{Tier: tier, Score: r.RiskScore}
}

// SpecialistInput is the context of one specialist call.
type SpecialistInput struct {
	Text    string
	History []ai.Message
	Prompt  PromptData
	// FirstMessage is set when this is the first user message of the session.
	FirstMessage bool
}

// Invoker dispatches a routed turn to its specialist.
type Invoker struct {
	generator   ai.Generator
	catalog     *Catalog
	tokenBudget int
}

// NewInvoker creates an invoker. tokenBudget bounds the history sent along.
func NewInvoker(generator ai.Generator, catalog *Catalog, tokenBudget int) *Invoker {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Invoker{generator: generator, catalog: catalog, tokenBudget: tokenBudget}
}

// Invoke runs the specialist for category. A reply that cannot be parsed becomes
// the generic error reply. Only generator failures are returned as errors.
func (i *Invoker) Invoke(ctx context.Context, category router.Category, in *SpecialistInput) (*Reply, error) {
	s := i.catalog.Specialist(category)
	if s.Static {
		return i.staticReply(s, in), nil
	}

	system, err := i.systemPrompt(s, in)
	if err != nil {
		return nil, err
	}
	history := FitTokenBudget(in.History, i.tokenBudget)
	req := &ai.GenerateRequest{
		Messages:    ai.FormatMessages(system, history, in.Text),
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		JSONMode:    true,
	}

	result, err := i.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("specialist %s: %w", s.Handler, err)
	}
	if result.Kind != ai.ResultText {
		slog.Warn("specialist answered with actions, using error reply", "handler", s.Handler)
		return i.ErrorReply(s.Handler), nil
	}

	reply, err := ParseReply(result.Text)
	if err != nil {
		slog.Warn("failed to parse specialist reply",
			"handler", s.Handler,
			"error", err,
			"raw", Truncate(result.Text, timeout.MaxTruncateLength),
		)
		return i.ErrorReply(s.Handler), nil
	}
	reply.Handler = s.Handler
	return reply, nil
}

func (i *Invoker) systemPrompt(s *Specialist, in *SpecialistInput) (string, error) {
	prompts := i.catalog.prompts
	parts := make([]string, 0, 4)
	for _, id := range []string{TemplateBaseSystem, s.PromptTemplateID, TemplateReplyFormat, TemplateContext} {
		text, err := prompts.Render(id, in.Prompt)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (i *Invoker) staticReply(s *Specialist, in *SpecialistInput) *Reply {
	id := TemplateWelcomeReturning
	if in.FirstMessage {
		id = TemplateWelcomeNew
	}
	return &Reply{
		ReplyText: i.catalog.prompts.Text(id),
		RiskLevel: router.TierNone,
		Handler:   s.Handler,
	}
}

// Welcome answers the first message of a patient without a record. Medication and
// appointment openers get a topic-aware welcome ending in a follow-up question;
// symptom openers are welcomed and then handled by the check-in specialist.
// Any other opener gets the plain welcome and keeps its routed topic.
// It returns the topic the conversation should move to.
func (i *Invoker) Welcome(ctx context.Context, decision router.Decision, in *SpecialistInput) (*Reply, router.Topic, error) {
	prompts := i.catalog.prompts
	switch decision.Category {
	case router.CategoryMedication, router.CategoryAppointments:
		key := string(decision.Category)
		data := PromptData{
			Topic:    prompts.Text(templateWelcomeTopicPrefix + key),
			FollowUp: prompts.Text(templateWelcomeFollowUpPrefix + key),
		}
		text, err := prompts.Render(TemplateWelcomeNewWithTopic, data)
		if err != nil {
			return nil, "", err
		}
		reply := &Reply{
			ReplyText: text,
			RiskLevel: router.TierNone,
			Handler:   HandlerOrchestrator,
		}
		if data.FollowUp != "" {
			reply.FollowUpQuestions = []string{data.FollowUp}
		}
		return reply, router.TopicForCategory(decision.Category, router.TierNone), nil

	case router.CategoryTriage:
		reply, err := i.Invoke(ctx, router.CategoryCheckin, in)
		if err != nil {
			return nil, "", err
		}
		reply.ReplyText = prompts.Text(TemplateWelcomeNewWithSymptoms) + "\n\n" + reply.ReplyText
		return reply, router.TopicSymptoms, nil
	}

	return &Reply{
		ReplyText: prompts.Text(TemplateWelcomeNew),
		RiskLevel: router.TierNone,
		Handler:   HandlerOrchestrator,
	}, router.TopicForCategory(decision.Category, router.TierNone), nil
}

// ErrorReply is the generic reply used when a specialist answer is unusable.
func (i *Invoker) ErrorReply(handler string) *Reply {
	return &Reply{
		ReplyText: i.catalog.prompts.Text(TemplateErrorReply),
		RiskLevel: router.TierNone,
		Handler:   handler,
	}
}

// ParseReply decodes a specialist answer. Code fences and text around the
// JSON object are tolerated, an empty reply_text is not.
func ParseReply(text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ai.ErrMalformedOutput)
	}

	var reply Reply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ai.ErrMalformedOutput, err)
	}
	if strings.TrimSpace(reply.ReplyText) == "" {
		return nil, fmt.Errorf("%w: empty reply_text", ai.ErrMalformedOutput)
	}

	if reply.RiskLevel == "" {
		reply.RiskLevel = router.TierNone
	}
	reply.RiskScore = max(0, min(100, reply.RiskScore))
	questions := reply.FollowUpQuestions[:0]
	for _, q := range reply.FollowUpQuestions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}
	reply.FollowUpQuestions = questions
	return &reply, nil
}
