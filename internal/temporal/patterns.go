package temporal

import (
	"strings"
	"time"
)

// questionMarkers flag a message as an open question. Both CJK and ASCII
// interrogatives are covered.
var questionMarkers = []string{
	"吗", "呢", "？", "?", "怎么", "为什么", "如何", "什么时候",
}

// IsOpenQuestion reports whether a message reads like an unanswered question.
func IsOpenQuestion(content string) bool {
	for _, marker := range questionMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// timeHint maps a mentioned time reference to a follow-up delay.
type timeHint struct {
	markers []string
	delay   time.Duration
}

var timeHints = []timeHint{
	{[]string{"今晚", "tonight"}, 4 * time.Hour},
	{[]string{"明天", "tomorrow"}, 24 * time.Hour},
	{[]string{"周末", "weekend"}, 48 * time.Hour},
	{[]string{"下周", "next week"}, 7 * 24 * time.Hour},
}

// DueTime derives when to follow up on a question. An explicit time
// reference in the text wins; otherwise the configured default delay
// applies. The earliest mentioned reference is used when several appear.
func DueTime(content string, now time.Time, defaultDelay time.Duration) time.Time {
	lower := strings.ToLower(content)
	best := time.Duration(0)
	for _, hint := range timeHints {
		for _, m := range hint.markers {
			if strings.Contains(lower, m) && (best == 0 || hint.delay < best) {
				best = hint.delay
			}
		}
	}
	if best == 0 {
		best = defaultDelay
	}
	return now.Add(best)
}
