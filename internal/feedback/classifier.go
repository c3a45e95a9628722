// Package feedback turns free-text user feedback into an intent and the
// directive the strategist receives when it has to revise a plan.
package feedback

import (
	"strings"

	"helios/internal/domain"
)

// Rule is one row of the ordered intent table. The first rule with a phrase
// contained in the case-folded feedback decides the intent.
type Rule struct {
	Name     string
	Phrases  []string
	Kind     domain.IntentKind
	Priority domain.Priority
}

var rules = []Rule{
	{
		Name:     "difficulty_too_high",
		Phrases:  []string{"太难", "难度大", "吃力", "做不到", "困难", "too hard", "too difficult"},
		Kind:     domain.IntentReduceDifficulty,
		Priority: domain.PriorityHigh,
	},
	{
		Name:     "difficulty_too_low",
		Phrases:  []string{"太简单", "无聊", "不够挑战", "容易", "too easy", "boring"},
		Kind:     domain.IntentIncreaseDifficulty,
		Priority: domain.PriorityMedium,
	},
	{
		Name:     "time_insufficient",
		Phrases:  []string{"没时间", "时间不够", "来不及", "落后", "没完成", "no time", "not enough time", "behind"},
		Kind:     domain.IntentExtendTimeline,
		Priority: domain.PriorityHigh,
	},
	{
		Name:     "schedule_conflict",
		Phrases:  []string{"推迟", "改期", "日程冲突", "时间冲突", "任务冲突", "postpone", "reschedule", "conflict"},
		Kind:     domain.IntentChangeSchedule,
		Priority: domain.PriorityMedium,
	},
	{
		Name:     "confusion",
		Phrases:  []string{"不明白", "不理解", "困惑", "confused", "don't understand"},
		Kind:     domain.IntentClarifyTasks,
		Priority: domain.PriorityMedium,
	},
}

var (
	positiveWords = []string{"好", "喜欢", "感谢", "棒", "excellent", "满意", "great", "love", "thanks"}
	negativeWords = []string{"不好", "难", "困难", "讨厌", "糟糕", "不满", "bad", "hate", "terrible"}
)

// Rules returns a copy of the ordered intent table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.Phrases = append([]string(nil), r.Phrases...)
		out[i] = r
	}
	return out
}

// Classify never fails: text matching no rule yields intent none with low
// priority.
func Classify(text string) domain.Intent {
	folded := strings.ToLower(text)
	intent := domain.Intent{
		Sentiment: sentiment(folded),
		Kind:      domain.IntentNone,
		Priority:  domain.PriorityLow,
		Raw:       folded,
	}
	for _, r := range rules {
		if containsAny(folded, r.Phrases) {
			intent.Kind = r.Kind
			intent.Priority = r.Priority
			break
		}
	}
	return intent
}

// Positive words are checked first, so "不好" reads as positive because it
// contains "好".
func sentiment(folded string) domain.Sentiment {
	switch {
	case containsAny(folded, positiveWords):
		return domain.SentimentPositive
	case containsAny(folded, negativeWords):
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
