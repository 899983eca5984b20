// Package scenario classifies free-form user intent into coarse scenario
// tags that gate which workflow phases apply. The table is part of the
// binary and not user-configurable.
package scenario

import (
	"sort"
	"strings"
)

// Known scenario identifiers.
const (
	BugFix      = "bug_fix"
	TestRequest = "test_request"
	Optimization = "optimization"
	Refactor    = "refactor"
	DocWork     = "doc_work"
	OpsHotfix   = "ops_hotfix"
	Discussion  = "discussion"
	NewFeature  = "new_feature"
)

// Entry is one row of the classification table: a scenario id, the keywords
// that indicate it, and a priority weight applied per keyword hit.
type Entry struct {
	ID       string
	Keywords []string
	Weight   int
}

// table is the fixed keyword/priority table. Keywords cover both English
// and Chinese phrasing since user intents arrive in either.
var table = []Entry{
	{ID: BugFix, Weight: 3, Keywords: []string{
		"bug", "fix", "broken", "error", "crash", "defect", "regression",
		"修复", "报错", "故障", "崩溃", "异常",
	}},
	{ID: OpsHotfix, Weight: 4, Keywords: []string{
		"hotfix", "outage", "incident", "production down", "rollback", "urgent",
		"紧急", "线上", "事故", "回滚",
	}},
	{ID: TestRequest, Weight: 2, Keywords: []string{
		"test", "coverage", "unit test", "e2e", "qa",
		"测试", "用例", "覆盖率",
	}},
	{ID: Optimization, Weight: 2, Keywords: []string{
		"optimize", "performance", "slow", "latency", "speed up", "memory usage",
		"优化", "性能", "变慢", "加速",
	}},
	{ID: Refactor, Weight: 2, Keywords: []string{
		"refactor", "cleanup", "restructure", "tech debt", "rewrite",
		"重构", "整理", "技术债",
	}},
	{ID: DocWork, Weight: 2, Keywords: []string{
		"doc", "document", "readme", "guide", "manual", "wiki",
		"文档", "说明", "手册",
	}},
	{ID: NewFeature, Weight: 1, Keywords: []string{
		"feature", "add", "implement", "build", "create", "support", "new",
		"功能", "新增", "实现", "页面", "支持",
	}},
}

// Table returns a copy of the classification table.
func Table() []Entry {
	out := make([]Entry, len(table))
	for i, e := range table {
		e.Keywords = append([]string(nil), e.Keywords...)
		out[i] = e
	}
	return out
}

// Classify scores the content against the table and returns every scenario
// with at least one keyword hit, highest score first. Content matching
// nothing classifies as discussion.
func Classify(content string) []string {
	lowered := strings.ToLower(content)

	type scored struct {
		id    string
		score int
		order int
	}
	var hits []scored
	for i, entry := range table {
		score := 0
		for _, kw := range entry.Keywords {
			if strings.Contains(lowered, kw) {
				score += entry.Weight
			}
		}
		if score > 0 {
			hits = append(hits, scored{id: entry.ID, score: score, order: i})
		}
	}
	if len(hits) == 0 {
		return []string{Discussion}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// Primary returns the single best-scoring scenario for the content.
func Primary(content string) string {
	return Classify(content)[0]
}
