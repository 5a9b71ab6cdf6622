package analyzer

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedNow is a Wednesday so weekday resolution is predictable.
var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newAnalyzer() *Analyzer {
	return New(Options{Now: func() time.Time { return fixedNow }})
}

func TestEmptyInputYieldsGeneralQuery(t *testing.T) {
	got := newAnalyzer().Analyze("", nil)

	assert.Equal(t, IntentGeneralQuery, got.Intent)
	assert.Equal(t, minConfidence, got.IntentConfidence)
	assert.Empty(t, got.Keywords)
	assert.Nil(t, got.Entities.Target)
	assert.Nil(t, got.Entities.Action)
	assert.False(t, got.RequiresMultiAgent)
	assert.Equal(t, ComplexityLow, got.Complexity)
	assert.False(t, got.Ambiguity.IsAmbiguous)
	assert.False(t, got.FollowUp.IsFollowUp)
}

func TestKoreanTaskCreation(t *testing.T) {
	got := newAnalyzer().Analyze("노션에 태스크 만들어줘", nil)

	assert.Equal(t, IntentTaskCreation, got.Intent)
	assert.InDelta(t, 0.4, got.IntentConfidence, 1e-9)

	require.NotNil(t, got.Entities.Target)
	assert.Equal(t, "notion", got.Entities.Target.Value)
	assert.Zero(t, got.Entities.Target.Position)
	require.NotNil(t, got.Entities.Action)
	assert.Equal(t, "create", got.Entities.Action.Value)
	require.NotNil(t, got.Entities.Object)
	assert.Equal(t, "task", got.Entities.Object.Value)
	assert.Equal(t, 4, got.Entities.Object.Position, "positions are rune offsets")

	assert.Equal(t, []string{"노션", "태스크", "만들"}, got.Keywords)
}

func TestEnglishSearch(t *testing.T) {
	got := newAnalyzer().Analyze("find all open issues in github", nil)

	assert.Equal(t, IntentSearch, got.Intent)
	assert.InDelta(t, 0.4, got.IntentConfidence, 1e-9)
	require.NotNil(t, got.Entities.Target)
	assert.Equal(t, "github", got.Entities.Target.Value)
	require.NotNil(t, got.Entities.Object)
	assert.Equal(t, "issue", got.Entities.Object.Value)
	assert.Equal(t, []string{"find", "open", "issues", "github"}, got.Keywords)
}

func TestIntentScoreAccumulatesAndClamps(t *testing.T) {
	// Three creation patterns fire: 만들, create, new task. 1.2 caps at 1.0
	// and the reported confidence tops out below certainty.
	got := newAnalyzer().Analyze("create a new task 만들어줘", nil)

	assert.Equal(t, IntentTaskCreation, got.Intent)
	assert.InDelta(t, maxConfidence, got.IntentConfidence, 1e-9)
}

func TestCompletionContextBiasesFollowUps(t *testing.T) {
	conv := &Conversation{Messages: []Message{
		{Role: RoleUser, Content: "태스크 만들어줘"},
		{Role: RoleAssistant, Content: "태스크를 생성했습니다."},
	}}

	checked := newAnalyzer().Analyze("확인해줘", conv)
	assert.Equal(t, IntentSearch, checked.Intent)
	assert.InDelta(t, 0.8, checked.IntentConfidence, 1e-9, "base 확인 plus the bias")

	updated := newAnalyzer().Analyze("수정해줘", conv)
	assert.Equal(t, IntentTaskUpdate, updated.Intent)
	assert.InDelta(t, 0.4, updated.IntentConfidence, 1e-9)
}

func TestCompletionBiasNeedsCompletedWork(t *testing.T) {
	conv := &Conversation{Messages: []Message{
		{Role: RoleAssistant, Content: "어떤 작업을 할까요?"},
	}}

	got := newAnalyzer().Analyze("수정해줘", conv)
	assert.Equal(t, IntentGeneralQuery, got.Intent, "no completion signal, no update bias")
}

func TestDueDateKoreanTable(t *testing.T) {
	for text, want := range map[string]string{
		"내일까지 끝내줘":     "2026-03-05",
		"모레 회의 잡아줘":    "2026-03-06",
		"금요일까지 보고서 작성": "2026-03-06",
		"다음 주에 시작하자":   "2026-03-09",
		"이번 달 말까지":     "2026-03-31",
	} {
		got := newAnalyzer().Analyze(text, nil)
		require.NotNil(t, got.Entities.DueDate, text)
		assert.Equal(t, want, got.Entities.DueDate.Value, text)
		assert.InDelta(t, koreanDateConfidence, got.Entities.DueDate.Confidence, 1e-9, text)
		assert.False(t, got.Ambiguity.IsAmbiguous, "a resolved date is not ambiguous")
	}
}

func TestDueDateEnglishForwardOnly(t *testing.T) {
	for text, want := range map[string]string{
		"finish by friday":        "2026-03-06",
		"due tomorrow":            "2026-03-05",
		"start next monday":       "2026-03-09",
		"deliver in 3 days":       "2026-03-07",
		"wednesday works":         "2026-03-04",
		"next wednesday then":     "2026-03-11",
		"ship day after tomorrow": "2026-03-06",
	} {
		got := newAnalyzer().Analyze(text, nil)
		require.NotNil(t, got.Entities.DueDate, text)
		assert.Equal(t, want, got.Entities.DueDate.Value, text)
	}
}

func TestAssigneeMention(t *testing.T) {
	got := newAnalyzer().Analyze("태스크 만들어서 @minsu.kim에게 배정해줘", nil)

	require.NotNil(t, got.Entities.Assignee)
	assert.Equal(t, "minsu.kim", got.Entities.Assignee.Value)
	assert.InDelta(t, assigneeConfidence, got.Entities.Assignee.Confidence, 1e-9)
}

func TestPriorityKeywords(t *testing.T) {
	for text, want := range map[string]string{
		"긴급하게 처리해줘":             "urgent",
		"this is urgent":        "urgent",
		"중요한 건이야":               "high",
		"low priority, no rush": "low",
	} {
		got := newAnalyzer().Analyze(text, nil)
		require.NotNil(t, got.Entities.Priority, text)
		assert.Equal(t, want, got.Entities.Priority.Value, text)
	}
}

func TestProjectCapture(t *testing.T) {
	for text, want := range map[string]string{
		"relay 프로젝트에 이슈 추가해줘":  "relay",
		"add this to project: apollo": "apollo",
	} {
		got := newAnalyzer().Analyze(text, nil)
		require.NotNil(t, got.Entities.Project, text)
		assert.Equal(t, want, got.Entities.Project.Value, text)
	}

	bare := newAnalyzer().Analyze("새 프로젝트 만들어줘", nil)
	assert.Nil(t, bare.Entities.Project, "determiners are not project names")
}

func TestMultiAgentByTwoTargets(t *testing.T) {
	got := newAnalyzer().Analyze("노션 페이지 만들고 슬랙에 공유해줘", nil)

	assert.True(t, got.RequiresMultiAgent)
	assert.Equal(t, ComplexityHigh, got.Complexity)
	require.NotNil(t, got.Entities.Target)
	assert.Equal(t, "notion", got.Entities.Target.Value, "first mention wins")
}

func TestMultiAgentByConjunctive(t *testing.T) {
	got := newAnalyzer().Analyze("문서 정리한 다음 공유해줘", nil)
	assert.True(t, got.RequiresMultiAgent)
}

func TestMultiAgentByDomainFunctions(t *testing.T) {
	got := newAnalyzer().Analyze("태스크와 회의 일정 확인해줘", nil)
	assert.True(t, got.RequiresMultiAgent, "tasks and calendar are two functions")

	single := newAnalyzer().Analyze("태스크 목록 보여줘", nil)
	assert.False(t, single.RequiresMultiAgent)
}

func TestComplexityMediumByLength(t *testing.T) {
	got := newAnalyzer().Analyze(strings.Repeat("가", maxSimpleRunes+1), nil)
	assert.Equal(t, ComplexityMedium, got.Complexity)
}

func TestComplexityMediumByLongHistory(t *testing.T) {
	conv := &Conversation{}
	for range longHistory + 1 {
		conv.Messages = append(conv.Messages, Message{Role: RoleUser, Content: "안녕"})
	}
	got := newAnalyzer().Analyze("태스크 보여줘", conv)
	assert.Equal(t, ComplexityMedium, got.Complexity)
}

func TestAmbiguityFlagsMissingEntities(t *testing.T) {
	got := newAnalyzer().Analyze("담당자 정해서 기한 있는 태스크 만들어줘", nil)

	assert.True(t, got.Ambiguity.IsAmbiguous)
	assert.Contains(t, got.Ambiguity.AmbiguousTerms, "assignee")
	assert.Contains(t, got.Ambiguity.AmbiguousTerms, "dueDate")
	assert.Len(t, got.Ambiguity.ClarifyingQuestions, 2)
}

func TestAmbiguityResolvedByEntities(t *testing.T) {
	got := newAnalyzer().Analyze("@minsu 담당으로 내일까지 태스크 만들어줘", nil)
	assert.False(t, got.Ambiguity.IsAmbiguous)
}

func TestPronounHeavyReferent(t *testing.T) {
	noContext := newAnalyzer().Analyze("그거 수정해줘", nil)
	assert.Contains(t, noContext.Ambiguity.AmbiguousTerms, "referent",
		"a pronoun with no history has no referent")

	conv := &Conversation{Messages: []Message{
		{Role: RoleAssistant, Content: "페이지를 만들었습니다."},
	}}
	anchored := newAnalyzer().Analyze("그거 수정해줘", conv)
	assert.NotContains(t, anchored.Ambiguity.AmbiguousTerms, "referent")

	heavy := newAnalyzer().Analyze("그거랑 이것도 바꿔줘", conv)
	assert.Contains(t, heavy.Ambiguity.AmbiguousTerms, "referent")
}

func TestFollowUpLinksTopic(t *testing.T) {
	conv := &Conversation{Messages: []Message{
		{Role: RoleUser, Content: "태스크 만들어줘"},
		{Role: RoleAssistant, Content: "태스크를 생성했습니다."},
	}}

	got := newAnalyzer().Analyze("그리고 이것도 추가해줘", conv)
	assert.True(t, got.FollowUp.IsFollowUp)
	assert.Equal(t, "task", got.FollowUp.RelatedTo)

	fresh := newAnalyzer().Analyze("그리고 이것도 추가해줘", nil)
	assert.False(t, fresh.FollowUp.IsFollowUp, "no prior messages, no follow-up")
}

func TestExtraStopTokens(t *testing.T) {
	a := New(Options{
		Now:             func() time.Time { return fixedNow },
		ExtraStopTokens: []string{"태스크"},
	})
	got := a.Analyze("노션에 태스크 만들어줘", nil)
	assert.Equal(t, []string{"노션", "만들"}, got.Keywords)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	a := newAnalyzer()
	conv := &Conversation{Messages: []Message{
		{Role: RoleUser, Content: "노션에 태스크 만들어줘"},
		{Role: RoleAssistant, Content: "태스크를 생성했습니다."},
	}}

	properties.Property("identical input yields identical analysis", prop.ForAll(
		func(text string) bool {
			first := a.Analyze(text, conv)
			second := a.Analyze(text, conv)
			return reflect.DeepEqual(first, second)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
