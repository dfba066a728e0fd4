package lifecycle

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/mistakeknot/huddle/internal/core"
)

const maxTopics = 10

// Summarize computes turn counts, duration from the first turn to now,
// coarse topics from user turns and a few fixed insights.
func Summarize(turns []core.Turn, now time.Time) core.Summary {
	sum := core.Summary{
		TotalTurns: len(turns),
		Topics:     []string{},
		Insights:   []string{},
		CreatedAt:  now.UTC(),
	}
	var userText []string
	for _, t := range turns {
		switch t.Role {
		case core.RoleUser:
			sum.UserTurns++
			userText = append(userText, t.Content)
		case core.RoleAssistant:
			sum.AssistantTurns++
		}
	}
	if len(turns) > 0 && !turns[0].Timestamp.IsZero() {
		if d := now.Sub(turns[0].Timestamp); d > 0 {
			sum.DurationSeconds = int64(math.Round(d.Seconds()))
		}
	}
	sum.Topics = topics(strings.Join(userText, " "))
	if sum.UserTurns > 3 {
		sum.Insights = append(sum.Insights, "Engaged in meaningful conversation")
	}
	if sum.TotalTurns > 10 {
		sum.Insights = append(sum.Insights, "Extended coaching session")
	}
	return sum
}

// topics returns the first distinct lower-cased words longer than four
// letters.
func topics(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := []string{}
	seen := make(map[string]bool)
	for _, w := range words {
		if len([]rune(w)) <= 4 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}
