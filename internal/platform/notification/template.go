// Package notification renders facility-facing messages and sends them over
// the SMS gateway. It is the fallback channel when a facility's API endpoint
// cannot be reached.
package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in template identifiers.
const (
	TemplateNewCase      = "facility-new-case"
	TemplateReminder     = "facility-reminder"
	TemplateCancellation = "facility-cancellation"
)

// Template defines a reusable notification template. Placeholders use the
// {{key}} form.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateNewCase,
			Name:    "New Case",
			Subject: "{{urgency}}: New Patient Case - {{short_token}}",
			Body: "New patient case assigned to your facility. " +
				"Risk: {{risk_level}}. Symptoms: {{symptoms}}. Services: {{services}}. " +
				"Priority: {{priority}}. Respond by {{deadline}}: {{respond_url}}",
		},
		{
			ID:      TemplateReminder,
			Name:    "Reminder",
			Subject: "REMINDER: Patient Case - {{short_token}}",
			Body: "Reminder: case {{short_token}} ({{risk_level}}) is waiting for your response. " +
				"Respond by {{deadline}}: {{respond_url}}",
		},
		{
			ID:      TemplateCancellation,
			Name:    "Cancellation",
			Subject: "CANCELLED: Patient Case - {{short_token}}",
			Body:    "Case {{short_token}} has been reassigned. No further action required.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ShortToken truncates a patient token to its first eight characters for
// display in message subjects.
func ShortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// UrgencyPrefix returns the subject prefix for a case.
func UrgencyPrefix(emergency bool) string {
	if emergency {
		return "URGENT"
	}
	return "NOTICE"
}
