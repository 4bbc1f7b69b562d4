package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"
)

// Template ids of the prompt catalog.
const (
	TemplateBaseSystem             = "base_system"
	TemplateReplyFormat            = "reply_format"
	TemplateContext                = "context"
	TemplateAgentSystem            = "agent_system"
	TemplateWelcomeNew             = "welcome_new"
	TemplateWelcomeNewWithTopic    = "welcome_new_with_topic"
	TemplateWelcomeNewWithSymptoms = "welcome_new_with_symptoms"
	TemplateWelcomeReturning       = "welcome_returning"
	TemplateHighRiskAlert          = "high_risk_alert"
	TemplateCheckinMorning         = "checkin_morning"
	TemplateCheckinAfternoon       = "checkin_afternoon"
	TemplateCheckinEvening         = "checkin_evening"
	TemplateErrorReply             = "error_reply"
	TemplateCouldNotComplete       = "could_not_complete"
	TemplateServiceUnavailable     = "service_unavailable"
	templateWelcomeTopicPrefix     = "welcome_topic_"
	templateWelcomeFollowUpPrefix  = "welcome_followup_"
)

var requiredTemplates = []string{
	TemplateBaseSystem, TemplateReplyFormat, TemplateContext, TemplateAgentSystem,
	TemplateWelcomeNew, TemplateWelcomeNewWithTopic, TemplateWelcomeNewWithSymptoms,
	TemplateWelcomeReturning, TemplateHighRiskAlert,
	TemplateCheckinMorning, TemplateCheckinAfternoon, TemplateCheckinEvening,
	TemplateErrorReply, TemplateCouldNotComplete, TemplateServiceUnavailable,
}

// PromptData is what prompt templates can reference.
type PromptData struct {
	Now               time.Time
	UserID            string
	Patient           string // one-line patient summary, empty when unregistered
	Domain            string // repository context (medications, appointments, symptoms)
	State             string // conversation state summary
	IsNewPatient      bool
	IsNewConversation bool

	// Topic-aware welcome fields.
	Topic    string
	FollowUp string
}

// Prompts renders the named templates of the catalog.
type Prompts struct {
	tmpl *template.Template
}

// NewPrompts parses every template. All required ids must be present.
func NewPrompts(templates map[string]string) (*Prompts, error) {
	root := template.New("prompts").Option("missingkey=error")

	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := root.New(id).Parse(templates[id]); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", id, err)
		}
	}

	p := &Prompts{tmpl: root}
	var missing []string
	for _, id := range requiredTemplates {
		if !p.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing templates: %s", strings.Join(missing, ", "))
	}
	return p, nil
}

// Has reports whether the template id exists.
func (p *Prompts) Has(id string) bool {
	return p.tmpl.Lookup(id) != nil
}

// Render executes template id with data.
func (p *Prompts) Render(id string, data any) (string, error) {
	t := p.tmpl.Lookup(id)
	if t == nil {
		return "", fmt.Errorf("unknown template %s", id)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", id, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Text renders a template that needs no data. Failures are logged and yield "".
func (p *Prompts) Text(id string) string {
	s, err := p.Render(id, PromptData{})
	if err != nil {
		slog.Error("failed to render prompt", "template", id, "error", err)
		return ""
	}
	return s
}

// CheckinPrompt picks the proactive check-in text for the local hour:
// [5,12) morning, [12,19) afternoon, otherwise evening.
func (p *Prompts) CheckinPrompt(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return p.Text(TemplateCheckinMorning)
	case hour >= 12 && hour < 19:
		return p.Text(TemplateCheckinAfternoon)
	default:
		return p.Text(TemplateCheckinEvening)
	}
}
