package scenario

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		content string
		first   string
	}{
		{"bug report", "the login page is broken, please fix the error", BugFix},
		{"hotfix beats bugfix", "urgent hotfix: production down after deploy", OpsHotfix},
		{"test request", "please add unit test coverage for the parser", TestRequest},
		{"doc work", "update the readme and the user guide", DocWork},
		{"new feature", "implement a new export feature", NewFeature},
		{"chinese bug", "登录页面报错，请修复", BugFix},
		{"chinese feature", "新增一个导出功能", NewFeature},
		{"no hits", "hello there", Discussion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.content)
			if len(got) == 0 {
				t.Fatal("empty classification")
			}
			if got[0] != tc.first {
				t.Errorf("Classify(%q)[0] = %s, want %s (all: %v)", tc.content, got[0], tc.first, got)
			}
		})
	}
}

func TestClassifyMultipleHits(t *testing.T) {
	got := Classify("fix the bug and add tests for the new feature")
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("duplicate scenario %s in %v", id, got)
		}
		seen[id] = true
	}
	for _, want := range []string{BugFix, TestRequest, NewFeature} {
		if !seen[want] {
			t.Errorf("missing %s in %v", want, got)
		}
	}
}

func TestPrimary(t *testing.T) {
	if got := Primary("refactor the storage layer"); got != Refactor {
		t.Errorf("Primary = %s, want %s", got, Refactor)
	}
}

func TestTableIsCopied(t *testing.T) {
	tbl := Table()
	tbl[0].Keywords[0] = "mutated"
	if Table()[0].Keywords[0] == "mutated" {
		t.Error("Table returned shared keyword slices")
	}
}
