package feedback

import (
	"strings"

	"helios/internal/domain"
)

// NoActionMarker is only present in the no-action directive.
const NoActionMarker = "无需采取行动"

var directives = map[domain.IntentKind]string{
	domain.IntentReduceDifficulty:   "策略师，用户认为当前计划太难。请为下一周期创建一个强度降低的修订计划。",
	domain.IntentIncreaseDifficulty: "策略师，用户认为当前计划太简单。请生成一个包含更多挑战性任务的修订计划。",
	domain.IntentExtendTimeline:     "策略师，用户时间不足以完成当前计划。请延长任务时间线或减少工作量。",
	domain.IntentChangeSchedule:     "策略师，用户的日程与当前计划冲突。请重新安排冲突的任务。",
	domain.IntentClarifyTasks:       "策略师，用户对部分任务感到困惑。请为每个任务补充更清晰的步骤说明。",
	domain.IntentNone:               "根据反馈，" + NoActionMarker + "。当前计划似乎适合用户的需求和能力。",
}

// Directive returns the canned directive for kind. Unknown kinds get the
// no-action directive.
func Directive(kind domain.IntentKind) string {
	if d, ok := directives[kind]; ok {
		return d
	}
	return directives[domain.IntentNone]
}

func DirectiveFor(text string) (domain.Intent, string) {
	intent := Classify(text)
	return intent, Directive(intent.Kind)
}

// KindForDirective finds which directive a message carries.
func KindForDirective(message string) (domain.IntentKind, bool) {
	for kind, d := range directives {
		if strings.Contains(message, d) {
			return kind, true
		}
	}
	if strings.Contains(message, NoActionMarker) {
		return domain.IntentNone, true
	}
	return "", false
}

func IsNoAction(message string) bool {
	return strings.Contains(message, NoActionMarker)
}

func Directives() map[domain.IntentKind]string {
	out := make(map[domain.IntentKind]string, len(directives))
	for k, v := range directives {
		out[k] = v
	}
	return out
}
