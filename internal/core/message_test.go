package core

import "testing"

func TestParseMentions(t *testing.T) {
	cases := []struct {
		content string
		want    []string
	}{
		{"@dev-1 please fix the login page", []string{"dev-1"}},
		{"@dev-1 and @qa_2 take a look", []string{"dev-1", "qa_2"}},
		{"@dev-1 again @dev-1", []string{"dev-1"}},
		{"no mentions here", nil},
		{"email user@example.com is not a mention start", []string{"example"}},
	}
	for _, tc := range cases {
		got := ParseMentions(tc.content)
		if len(got) != len(tc.want) {
			t.Fatalf("ParseMentions(%q) = %v, want %v", tc.content, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ParseMentions(%q) = %v, want %v", tc.content, got, tc.want)
			}
		}
	}
}

func TestMergeLabels(t *testing.T) {
	out := MergeLabels([]string{"a", "b"}, "b", "c", "", "a")
	if len(out) != 3 || out[0] != "a" || out[1] != "b" || out[2] != "c" {
		t.Fatalf("MergeLabels = %v", out)
	}
}
