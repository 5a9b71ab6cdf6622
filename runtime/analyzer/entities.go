package analyzer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Per-entity confidence levels. Exact service names score highest, the
// permissive project capture lowest.
const (
	targetConfidence     = 0.9
	actionConfidence     = 0.8
	objectConfidence     = 0.7
	assigneeConfidence   = 0.95
	koreanDateConfidence = 0.8
	engDateConfidence    = 0.7
	priorityConfidence   = 0.85
	projectConfidence    = 0.6
)

type aliasRow struct {
	canonical string
	aliases   []string
}

var targetTable = []aliasRow{
	{"notion", []string{"notion", "노션"}},
	{"slack", []string{"slack", "슬랙"}},
	{"github", []string{"github", "깃허브", "깃헙"}},
	{"linear", []string{"linear", "리니어"}},
	{"jira", []string{"jira", "지라"}},
	{"asana", []string{"asana", "아사나"}},
	{"airtable", []string{"airtable", "에어테이블"}},
}

var actionTable = []aliasRow{
	{"create", []string{"만들", "생성", "추가", "등록", "create", "add", "make"}},
	{"update", []string{"수정", "변경", "업데이트", "update", "change", "edit"}},
	{"delete", []string{"삭제", "지워", "제거", "delete", "remove"}},
	{"search", []string{"찾아", "찾기", "검색", "조회", "find", "search"}},
	{"send", []string{"보내", "전송", "공유", "send", "share"}},
}

var objectTable = []aliasRow{
	{"task", []string{"태스크", "할일", "할 일", "업무", "task", "todo"}},
	{"page", []string{"페이지", "page"}},
	{"issue", []string{"이슈", "issue"}},
	{"document", []string{"문서", "독스", "document"}},
	{"message", []string{"메시지", "메세지", "message"}},
	{"report", []string{"보고서", "리포트", "report"}},
	{"meeting", []string{"회의", "미팅", "meeting"}},
	{"ticket", []string{"티켓", "ticket"}},
	{"comment", []string{"댓글", "코멘트", "comment"}},
}

var priorityTable = []aliasRow{
	{"urgent", []string{"긴급", "급해", "급하게", "지금 당장", "asap", "urgent", "critical"}},
	{"high", []string{"중요한", "중요해", "높은 우선순위", "important", "high priority"}},
	{"low", []string{"낮은 우선순위", "나중에", "천천히", "low priority", "no rush", "whenever"}},
}

// findTargets returns every service mentioned, ordered by position.
func findTargets(lowered string) []Entity {
	var out []Entity
	for _, row := range targetTable {
		if off, ok := earliestAlias(lowered, row.aliases); ok {
			out = append(out, Entity{
				Value:      row.canonical,
				Confidence: targetConfidence,
				Position:   runeIndex(lowered, off),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func findAction(lowered string) *Entity   { return scanAliases(lowered, actionTable, actionConfidence) }
func findObject(lowered string) *Entity   { return scanAliases(lowered, objectTable, objectConfidence) }
func findPriority(lowered string) *Entity { return scanAliases(lowered, priorityTable, priorityConfidence) }

// scanAliases picks the canonical value whose earliest alias occurrence
// comes first; table order breaks position ties.
func scanAliases(lowered string, table []aliasRow, confidence float64) *Entity {
	best := -1
	var value string
	for _, row := range table {
		if off, ok := earliestAlias(lowered, row.aliases); ok && (best < 0 || off < best) {
			best, value = off, row.canonical
		}
	}
	if best < 0 {
		return nil
	}
	return &Entity{Value: value, Confidence: confidence, Position: runeIndex(lowered, best)}
}

func earliestAlias(lowered string, aliases []string) (int, bool) {
	best := -1
	for _, alias := range aliases {
		if off := strings.Index(lowered, alias); off >= 0 && (best < 0 || off < best) {
			best = off
		}
	}
	return best, best >= 0
}

// mentionPattern captures ASCII handles only; a Korean particle attaches to
// the handle with no separator, so a wider class would swallow it.
var mentionPattern = regexp.MustCompile(`@([a-z0-9._-]+)`)

func findAssignee(lowered string) *Entity {
	m := mentionPattern.FindStringSubmatchIndex(lowered)
	if m == nil {
		return nil
	}
	return &Entity{
		Value:      lowered[m[2]:m[3]],
		Confidence: assigneeConfidence,
		Position:   runeIndex(lowered, m[0]),
	}
}

type dueDateRule struct {
	pattern    *regexp.Regexp
	confidence float64
	// resolve computes the date; match holds the submatches of pattern.
	resolve func(now time.Time, match []string) time.Time
}

// dueDateRules resolve relative-date phrases, Korean table first, then a
// forward-only English fallback. First match by table order wins; longer
// English phrases precede their substrings.
var dueDateRules = []dueDateRule{
	{regexp.MustCompile(`모레`), koreanDateConfidence, plusDays(2)},
	{regexp.MustCompile(`내일`), koreanDateConfidence, plusDays(1)},
	{regexp.MustCompile(`오늘`), koreanDateConfidence, plusDays(0)},
	{regexp.MustCompile(`이번\s*주`), koreanDateConfidence, weekday(time.Friday, false)},
	{regexp.MustCompile(`다음\s*주`), koreanDateConfidence, weekday(time.Monday, true)},
	{regexp.MustCompile(`(월|화|수|목|금|토|일)요일`), koreanDateConfidence,
		func(now time.Time, match []string) time.Time {
			return nextWeekday(now, koreanWeekdays[match[1]], false)
		}},
	{regexp.MustCompile(`이번\s*달\s*말|월말`), koreanDateConfidence,
		func(now time.Time, _ []string) time.Time { return endOfMonth(now) }},
	{regexp.MustCompile(`day\s+after\s+tomorrow`), engDateConfidence, plusDays(2)},
	{regexp.MustCompile(`\btomorrow\b`), engDateConfidence, plusDays(1)},
	{regexp.MustCompile(`\btoday\b`), engDateConfidence, plusDays(0)},
	{regexp.MustCompile(`this\s+week`), engDateConfidence, weekday(time.Friday, false)},
	{regexp.MustCompile(`next\s+week`), engDateConfidence, weekday(time.Monday, true)},
	{regexp.MustCompile(`in\s+(\d+)\s+days?`), engDateConfidence,
		func(now time.Time, match []string) time.Time {
			n, _ := strconv.Atoi(match[1])
			return now.AddDate(0, 0, n)
		}},
	{regexp.MustCompile(`next\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`), engDateConfidence,
		func(now time.Time, match []string) time.Time {
			return nextWeekday(now, englishWeekdays[match[1]], true)
		}},
	{regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`), engDateConfidence,
		func(now time.Time, match []string) time.Time {
			return nextWeekday(now, englishWeekdays[match[1]], false)
		}},
}

var koreanWeekdays = map[string]time.Weekday{
	"월": time.Monday, "화": time.Tuesday, "수": time.Wednesday,
	"목": time.Thursday, "금": time.Friday, "토": time.Saturday, "일": time.Sunday,
}

var englishWeekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

// findDueDate resolves the first matching relative-date phrase against now.
// Values are calendar dates, YYYY-MM-DD.
func findDueDate(lowered string, now time.Time) *Entity {
	for _, rule := range dueDateRules {
		loc := rule.pattern.FindStringSubmatchIndex(lowered)
		if loc == nil {
			continue
		}
		match := make([]string, 0, len(loc)/2)
		for i := 0; i < len(loc); i += 2 {
			if loc[i] < 0 {
				match = append(match, "")
				continue
			}
			match = append(match, lowered[loc[i]:loc[i+1]])
		}
		resolved := rule.resolve(now, match)
		return &Entity{
			Value:      resolved.Format("2006-01-02"),
			Confidence: rule.confidence,
			Position:   runeIndex(lowered, loc[0]),
		}
	}
	return nil
}

func plusDays(n int) func(time.Time, []string) time.Time {
	return func(now time.Time, _ []string) time.Time { return now.AddDate(0, 0, n) }
}

func weekday(wd time.Weekday, skipToday bool) func(time.Time, []string) time.Time {
	return func(now time.Time, _ []string) time.Time { return nextWeekday(now, wd, skipToday) }
}

// nextWeekday is forward-only: the result never lands in the past, and with
// skipToday a same-day hit moves a full week out.
func nextWeekday(now time.Time, wd time.Weekday, skipToday bool) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 && skipToday {
		days = 7
	}
	return now.AddDate(0, 0, days)
}

func endOfMonth(now time.Time) time.Time {
	firstOfNext := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}

// projectPatterns capture a project name next to the word project or its
// Korean equivalent, in either order.
var projectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:프로젝트|project)\s*[:\s]\s*([\p{L}\p{N}_-]+)`),
	regexp.MustCompile(`([\p{L}\p{N}_-]+)\s+(?:프로젝트|project)`),
}

// rejectedProjectNames keeps determiners out of the permissive capture.
var rejectedProjectNames = map[string]struct{}{
	"새": {}, "그": {}, "이": {}, "저": {}, "어느": {}, "new": {},
}

// findProject runs the permissive capture; stopwords, determiners and bare
// particles are rejected so "the project" does not yield "the".
func findProject(lowered string, stop map[string]struct{}) *Entity {
	for _, p := range projectPatterns {
		m := p.FindStringSubmatchIndex(lowered)
		if m == nil {
			continue
		}
		name := lowered[m[2]:m[3]]
		if _, isStop := stop[name]; isStop {
			continue
		}
		if _, bare := particleSet[name]; bare {
			continue
		}
		if _, rejected := rejectedProjectNames[name]; rejected {
			continue
		}
		return &Entity{
			Value:      name,
			Confidence: projectConfidence,
			Position:   runeIndex(lowered, m[2]),
		}
	}
	return nil
}

// runeIndex converts a byte offset into a rune offset.
func runeIndex(s string, byteOff int) int {
	return utf8.RuneCountInString(s[:byteOff])
}
