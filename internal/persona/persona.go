// Package persona holds the coach directory and turns a persona into the
// greeting and system prompt an agent uses.
package persona

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/huddle/internal/core"
)

const (
	DomainInterview    = "interview"
	DomainSales        = "sales"
	DomainLanguage     = "language"
	DomainCareer       = "career"
	DomainPresentation = "presentation"
)

var greetings = map[string]string{
	DomainInterview:    "Hello! I'm %s, your interview coach. Let's get you ready for your upcoming interviews. Which role are you preparing for?",
	DomainSales:        "Hi there! I'm %s, your sales coach. Let's sharpen your pitch and help you close more deals. What would you like to work on today?",
	DomainLanguage:     "Hello! I'm %s, your language coach. This is a relaxed place to practice. What would you like to work on today?",
	DomainCareer:       "Welcome! I'm %s, your career coach. Let's map out where you want your career to go. What challenges are you facing right now?",
	DomainPresentation: "Hello! I'm %s, your presentation coach. Let's make you a more confident speaker. Which presentation skills do you want to build?",
}

const genericGreeting = "Hello! I'm %s, your AI coach. I'm here to help you reach your goals. How can I help today?"

// Greeting is the first assistant turn of a session.
func Greeting(p core.Persona) string {
	tmpl, ok := greetings[strings.ToLower(p.Domain)]
	if !ok {
		tmpl = genericGreeting
	}
	return fmt.Sprintf(tmpl, displayName(p))
}

const (
	// Farewell is the closing remark attempted while a session ends.
	Farewell = "Thank you for the session! I hope our conversation helped. Take care."
	// FallbackReply is sent when text generation fails for an utterance.
	FallbackReply = "I'm sorry, I'm having trouble putting a response together right now. Could you say that again?"
)

var domainFocus = map[string][]string{
	DomainInterview: {
		"practicing common and behavioral interview questions",
		"feedback on answers using the STAR method",
		"building confidence and easing interview anxiety",
	},
	DomainSales: {
		"building clear, persuasive pitches",
		"handling objections and difficult prospects",
		"closing and follow-up",
	},
	DomainLanguage: {
		"conversation practice in a supportive setting",
		"gentle correction of grammar and pronunciation",
		"vocabulary in everyday context",
	},
	DomainCareer: {
		"setting career goals and concrete plans",
		"growing professional skills",
		"navigating workplace challenges",
	},
	DomainPresentation: {
		"structuring talks that hold attention",
		"managing nerves on stage",
		"delivery, body language and audience questions",
	},
}

// SystemPrompt returns the coach-supplied prompt when present, otherwise one
// assembled from the persona's domain and personality.
func SystemPrompt(p core.Persona) string {
	if strings.TrimSpace(p.SystemPrompt) != "" {
		return p.SystemPrompt
	}
	domain := strings.ToLower(p.Domain)
	focus, ok := domainFocus[domain]
	if !ok {
		focus = domainFocus[DomainCareer]
	}
	if domain == "" {
		domain = "general coaching"
	}
	pers := p.Personality

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a professional AI coach specializing in %s.\n\n", displayName(p), domain)
	b.WriteString("Personality:\n")
	fmt.Fprintf(&b, "- Communication style: %s\n", or(pers.CommunicationStyle, "supportive"))
	fmt.Fprintf(&b, "- Approach: %s\n", or(pers.ApproachMethod, "balanced"))
	fmt.Fprintf(&b, "- Empathy: %d/10\n", orInt(pers.Empathy, 7))
	fmt.Fprintf(&b, "- Directness: %d/10\n\n", orInt(pers.Directness, 6))
	b.WriteString("Focus on:\n")
	for _, f := range focus {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nGuidelines:\n")
	fmt.Fprintf(&b, "- Keep responses %s in length; this is a spoken conversation.\n", or(pers.ResponseLength, "moderate"))
	fmt.Fprintf(&b, "- Ask %s follow-up questions.\n", or(pers.QuestioningStyle, "open-ended"))
	b.WriteString("- Give specific, actionable advice and stay in character.\n")
	b.WriteString("- Do not give medical, legal or financial advice.")
	return b.String()
}

func displayName(p core.Persona) string {
	return or(p.Name, "your coach")
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
