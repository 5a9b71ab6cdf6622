// Package analyzer converts free-form request text, Korean and English
// mixed, into a structured analysis: intent with a confidence score,
// extracted entities, keywords, multi-agent and complexity classification,
// ambiguity detection and follow-up linkage. The analysis is deterministic
// and computed entirely in process; identical input and conversation context
// always produce identical output for a fixed clock.
package analyzer

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type (
	// Intent is the classified purpose of a request.
	Intent string

	// Complexity grades how much coordination a request needs.
	Complexity string

	// Options configures an Analyzer. All fields are optional.
	Options struct {
		// Now supplies the reference time for relative due dates.
		// Defaults to time.Now.
		Now func() time.Time
		// ExtraStopTokens are stripped from keyword output in addition
		// to the built-in English stopwords and Korean particles.
		ExtraStopTokens []string
	}

	// Analyzer turns request text into a RequestAnalysis. Safe for
	// concurrent use.
	Analyzer struct {
		now  func() time.Time
		stop map[string]struct{}
	}

	// Message is one turn of prior conversation.
	Message struct {
		Role    string
		Content string
	}

	// Conversation is the optional context a request arrives with.
	Conversation struct {
		Messages    []Message
		SessionMeta map[string]string
	}

	// Entity is one extracted value with its confidence and rune offset
	// in the request text.
	Entity struct {
		Value      string
		Confidence float64
		Position   int
	}

	// Entities groups everything extraction found. Absent entities are
	// nil.
	Entities struct {
		Target   *Entity
		Action   *Entity
		Object   *Entity
		Assignee *Entity
		DueDate  *Entity
		Priority *Entity
		Project  *Entity
	}

	// Ambiguity lists what the request left unclear.
	Ambiguity struct {
		IsAmbiguous         bool
		ClarifyingQuestions []string
		AmbiguousTerms      []string
	}

	// FollowUp links a request to the preceding conversation.
	FollowUp struct {
		IsFollowUp bool
		RelatedTo  string
	}

	// RequestAnalysis is the full structured reading of one request.
	// Ephemeral; never persisted.
	RequestAnalysis struct {
		Intent             Intent
		IntentConfidence   float64
		Entities           Entities
		Keywords           []string
		RequiresMultiAgent bool
		Complexity         Complexity
		Ambiguity          Ambiguity
		FollowUp           FollowUp
	}
)

// Intents.
const (
	IntentTaskCreation Intent = "task_creation"
	IntentTaskUpdate   Intent = "task_update"
	IntentSearch       Intent = "search"
	IntentReport       Intent = "report"
	IntentApproval     Intent = "approval"
	IntentGeneralQuery Intent = "general_query"
)

// Complexity grades.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Intent scoring constants. Each matched pattern adds scoreStep, capped at
// 1.0; the winner needs at least minIntentScore and the reported confidence
// stays inside [minConfidence, maxConfidence].
const (
	scoreStep      = 0.4
	minIntentScore = 0.3
	minConfidence  = 0.3
	maxConfidence  = 0.95
)

// Complexity thresholds.
const (
	maxSimpleKeywords = 10
	maxSimpleRunes    = 200
	longHistory       = 10
)

// New builds an Analyzer from opts.
func New(opts Options) *Analyzer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	stop := make(map[string]struct{}, len(englishStopwords)+len(opts.ExtraStopTokens))
	for _, w := range englishStopwords {
		stop[w] = struct{}{}
	}
	for _, w := range opts.ExtraStopTokens {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &Analyzer{now: opts.Now, stop: stop}
}

// Analyze produces the structured reading of text. conv may be nil.
func (a *Analyzer) Analyze(text string, conv *Conversation) RequestAnalysis {
	lowered := strings.ToLower(text)
	keywords := a.extractKeywords(lowered)
	targets := findTargets(lowered)

	ents := Entities{
		Target:   firstEntity(targets),
		Action:   findAction(lowered),
		Object:   findObject(lowered),
		Assignee: findAssignee(lowered),
		DueDate:  findDueDate(lowered, a.now()),
		Priority: findPriority(lowered),
		Project:  findProject(lowered, a.stop),
	}

	intent, confidence := classifyIntent(lowered, lastAssistant(conv))
	multi := requiresMultiAgent(lowered, targets)

	return RequestAnalysis{
		Intent:             intent,
		IntentConfidence:   confidence,
		Entities:           ents,
		Keywords:           keywords,
		RequiresMultiAgent: multi,
		Complexity:         classifyComplexity(text, keywords, multi, conv),
		Ambiguity:          detectAmbiguity(lowered, ents, conv),
		FollowUp:           detectFollowUp(lowered, conv),
	}
}

// englishStopwords are dropped from keyword output. Korean is handled by
// particle and polite-suffix trimming instead of a word list.
var englishStopwords = []string{
	"a", "an", "the", "and", "or", "but", "to", "of", "in", "on", "at",
	"for", "with", "from", "by", "about", "as", "is", "are", "was", "were",
	"be", "been", "am", "do", "does", "did", "can", "could", "will",
	"would", "should", "may", "might", "please", "me", "my", "i", "you",
	"your", "we", "our", "us", "it", "its", "this", "that", "these",
	"those", "there", "here", "what", "which", "who", "whom", "how",
	"when", "where", "why", "up", "out", "so", "if", "then", "than",
	"into", "onto", "not", "no", "all", "any", "some", "just", "also",
}

// Korean particles trimmed from token tails, longest first so 에서 wins
// over 에.
var koreanParticles = []string{
	"에서", "으로", "을", "를", "이", "가", "은", "는", "와", "과",
	"의", "도", "만", "에", "로",
}

// Polite verb endings trimmed before particles, longest first.
var politeSuffixes = []string{
	"해주십시오", "해주세요", "해줘요", "주세요", "십시오",
	"습니다", "합니다", "해줘", "어줘", "아줘", "해요", "세요", "줘",
}

var tokenSplitPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// extractKeywords lowercases, splits, strips stop tokens and Korean
// suffixes, and deduplicates preserving first occurrence.
func (a *Analyzer) extractKeywords(lowered string) []string {
	tokens := tokenSplitPattern.Split(lowered, -1)
	seen := make(map[string]struct{}, len(tokens))
	var keywords []string
	for _, tok := range tokens {
		if hasHangul(tok) {
			tok = trimSuffixList(tok, politeSuffixes)
			tok = trimSuffixList(tok, koreanParticles)
		}
		if tok == "" {
			continue
		}
		if _, bare := particleSet[tok]; bare {
			continue
		}
		if _, stop := a.stop[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}

var particleSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(koreanParticles))
	for _, p := range koreanParticles {
		m[p] = struct{}{}
	}
	return m
}()

// trimSuffixList removes the first matching suffix, keeping at least one
// rune of stem.
func trimSuffixList(tok string, suffixes []string) string {
	for _, s := range suffixes {
		if strings.HasSuffix(tok, s) && utf8.RuneCountInString(tok) > utf8.RuneCountInString(s) {
			return strings.TrimSuffix(tok, s)
		}
	}
	return tok
}

func hasHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// intentTable holds the ordered scoring patterns per category. Table order
// breaks score ties.
var intentTable = []struct {
	intent   Intent
	patterns []*regexp.Regexp
}{
	{IntentTaskCreation, []*regexp.Regexp{
		regexp.MustCompile(`만들|생성|추가|등록`),
		regexp.MustCompile(`\b(create|add|make)\b`),
		regexp.MustCompile(`새\s*(태스크|할\s*일|페이지|이슈)|\bnew\s+(task|issue|page|ticket|card)\b`),
	}},
	{IntentSearch, []*regexp.Regexp{
		regexp.MustCompile(`찾아|찾기|검색|조회|확인`),
		regexp.MustCompile(`\b(find|search|show|list|look\s*up)\b`),
		regexp.MustCompile(`보여줘|알려줘|뭐가\s*있|어떤.*있`),
	}},
	{IntentReport, []*regexp.Regexp{
		regexp.MustCompile(`보고서|리포트|요약|정리해`),
		regexp.MustCompile(`\b(report|summary|summarize|digest)\b`),
		regexp.MustCompile(`(주간|월간|일일|분기)\s*(보고|리포트|요약|현황)`),
	}},
	{IntentApproval, []*regexp.Regexp{
		regexp.MustCompile(`승인|결재|반려`),
		regexp.MustCompile(`\b(approve|approval|authorize|sign[- ]?off)\b`),
		regexp.MustCompile(`(휴가|경비|지출).*(요청|신청)`),
	}},
}

// intentOrder fixes winner iteration; IntentTaskUpdate only scores through
// the completion-context override.
var intentOrder = []Intent{
	IntentTaskCreation, IntentSearch, IntentReport, IntentApproval, IntentTaskUpdate,
}

var (
	completionPattern = regexp.MustCompile(`완료|했습니다|했어요|생성했|만들었|등록했|\b(done|created|completed|finished|added)\b`)
	searchLeadPattern = regexp.MustCompile(`^\s*(확인|보여|조회|show|check)`)
	updateLeadPattern = regexp.MustCompile(`^\s*(수정|변경|바꿔|update|change)`)
)

// classifyIntent scores the category tables and applies the
// completion-context override: right after the assistant reports finishing
// something, a request led by 확인/show reads as a search and one led by
// 수정/update as a task update.
func classifyIntent(lowered, lastAssistant string) (Intent, float64) {
	scores := make(map[Intent]float64, len(intentOrder))
	for _, cat := range intentTable {
		for _, p := range cat.patterns {
			if p.MatchString(lowered) {
				scores[cat.intent] = min(scores[cat.intent]+scoreStep, 1.0)
			}
		}
	}
	if completionPattern.MatchString(strings.ToLower(lastAssistant)) {
		switch {
		case searchLeadPattern.MatchString(lowered):
			scores[IntentSearch] = min(scores[IntentSearch]+scoreStep, 1.0)
		case updateLeadPattern.MatchString(lowered):
			scores[IntentTaskUpdate] = min(scores[IntentTaskUpdate]+scoreStep, 1.0)
		}
	}

	best, bestScore := IntentGeneralQuery, 0.0
	for _, name := range intentOrder {
		if s := scores[name]; s > bestScore {
			best, bestScore = name, s
		}
	}
	if bestScore < minIntentScore {
		return IntentGeneralQuery, minConfidence
	}
	return best, min(max(bestScore, minConfidence), maxConfidence)
}

// conjunctivePattern marks multi-step phrasing.
var conjunctivePattern = regexp.MustCompile(`그리고|하고\s|한\s*다음|그\s*다음|다음에|\band\s+then\b|\bafter\s+that\b|,\s*and\s`)

// domainFunctions buckets the downstream capabilities a request can touch.
// Mentioning two or more buckets implies coordinated work.
var domainFunctions = []struct {
	name  string
	words []string
}{
	{"tasks", []string{"태스크", "할일", "할 일", "업무", "task", "todo"}},
	{"messaging", []string{"메시지", "메세지", "알림", "공지", "message", "notify", "announce"}},
	{"documents", []string{"문서", "페이지", "독스", "document", "page", "doc"}},
	{"code", []string{"이슈", "코드", "리뷰", "issue", "code", "review", "pull request"}},
	{"calendar", []string{"회의", "일정", "미팅", "meeting", "schedule", "calendar"}},
}

func requiresMultiAgent(lowered string, targets []Entity) bool {
	if len(targets) >= 2 {
		return true
	}
	if conjunctivePattern.MatchString(lowered) {
		return true
	}
	funcs := 0
	for _, g := range domainFunctions {
		if containsAny(lowered, g.words) {
			funcs++
		}
	}
	return funcs >= 2
}

func classifyComplexity(text string, keywords []string, multi bool, conv *Conversation) Complexity {
	if multi || len(keywords) > maxSimpleKeywords {
		return ComplexityHigh
	}
	if utf8.RuneCountInString(text) > maxSimpleRunes {
		return ComplexityMedium
	}
	if conv != nil && len(conv.Messages) > longHistory {
		return ComplexityMedium
	}
	return ComplexityLow
}

// ambiguityChecks pair an indicator pattern with the entity that should
// resolve it. Indicator present and entity absent yields the clarifying
// question.
var ambiguityChecks = []struct {
	term      string
	indicator *regexp.Regexp
	entity    func(Entities) *Entity
	question  string
}{
	{"assignee", regexp.MustCompile(`담당|맡길|맡아|배정|assign`),
		func(e Entities) *Entity { return e.Assignee },
		"담당자를 @멘션으로 지정해 주세요."},
	{"dueDate", regexp.MustCompile(`언제까지|기한|마감|까지|deadline|\bdue\b`),
		func(e Entities) *Entity { return e.DueDate },
		"마감 기한이 언제인가요?"},
	{"priority", regexp.MustCompile(`우선\s*순위|중요도|priority`),
		func(e Entities) *Entity { return e.Priority },
		"우선순위를 알려주세요."},
	{"project", regexp.MustCompile(`프로젝트|project`),
		func(e Entities) *Entity { return e.Project },
		"어느 프로젝트인가요?"},
}

var pronounPattern = regexp.MustCompile(`그거|그것|이거|이것|저거|저것|\bit\b|\bthat\s+one\b|\bthis\s+one\b|\bthose\b|\bthem\b`)

const referentQuestion = "무엇을 가리키는지 조금 더 구체적으로 알려주세요."

func detectAmbiguity(lowered string, ents Entities, conv *Conversation) Ambiguity {
	var amb Ambiguity
	for _, check := range ambiguityChecks {
		if check.indicator.MatchString(lowered) && check.entity(ents) == nil {
			amb.AmbiguousTerms = append(amb.AmbiguousTerms, check.term)
			amb.ClarifyingQuestions = append(amb.ClarifyingQuestions, check.question)
		}
	}
	pronouns := len(pronounPattern.FindAllString(lowered, -1))
	noHistory := conv == nil || len(conv.Messages) == 0
	if pronouns >= 2 || (pronouns >= 1 && noHistory) {
		amb.AmbiguousTerms = append(amb.AmbiguousTerms, "referent")
		amb.ClarifyingQuestions = append(amb.ClarifyingQuestions, referentQuestion)
	}
	amb.IsAmbiguous = len(amb.ClarifyingQuestions) > 0
	return amb
}

var followUpPattern = regexp.MustCompile(`^\s*(그리고|또|추가로|그럼|아까|방금|이것도|그것도|거기에|also|and|what\s+about|how\s+about|one\s+more)`)

// topicTable extracts the subject of the last assistant message, first
// match wins.
var topicTable = []struct {
	pattern *regexp.Regexp
	topic   string
}{
	{regexp.MustCompile(`태스크|할\s*일|task`), "task"},
	{regexp.MustCompile(`이슈|issue`), "issue"},
	{regexp.MustCompile(`페이지|page`), "page"},
	{regexp.MustCompile(`문서|document`), "document"},
	{regexp.MustCompile(`보고서|리포트|report`), "report"},
	{regexp.MustCompile(`메시지|message`), "message"},
	{regexp.MustCompile(`회의|meeting`), "meeting"},
}

func detectFollowUp(lowered string, conv *Conversation) FollowUp {
	if conv == nil || len(conv.Messages) == 0 {
		return FollowUp{}
	}
	if !followUpPattern.MatchString(lowered) {
		return FollowUp{}
	}
	fu := FollowUp{IsFollowUp: true}
	last := strings.ToLower(lastAssistant(conv))
	for _, row := range topicTable {
		if row.pattern.MatchString(last) {
			fu.RelatedTo = row.topic
			break
		}
	}
	return fu
}

func lastAssistant(conv *Conversation) string {
	if conv == nil {
		return ""
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == RoleAssistant {
			return conv.Messages[i].Content
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func firstEntity(ents []Entity) *Entity {
	if len(ents) == 0 {
		return nil
	}
	e := ents[0]
	return &e
}
