package item

import "testing"

func TestTextJoinsNonEmptySegments(t *testing.T) {
	r := ResponseItem{
		Kind: KindMessage,
		Role: RoleAssistant,
		Content: []ContentPart{
			{OutputText: "first"},
			{OutputText: ""},
			{OutputText: "second"},
		},
	}
	got := r.Text()
	want := "first\nsecond"
	if got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestTextIgnoresImageOnlyContent(t *testing.T) {
	r := ResponseItem{
		Kind:    KindMessage,
		Role:    RoleUser,
		Content: []ContentPart{{InputImage: "file://shot.png"}},
	}
	if got := r.Text(); got != "" {
		t.Fatalf("Text() = %q, want empty", got)
	}
}

func TestTextOnNonMessageKindIsEmpty(t *testing.T) {
	r := ResponseItem{Kind: KindFunctionCall, Name: "shell", Arguments: "{}"}
	if got := r.Text(); got != "" {
		t.Fatalf("Text() = %q, want empty for non-message kind", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewUserMessage("hello")
	clone := orig.Clone()
	clone.Content[0].OutputText = "mutated"
	if orig.Content[0].OutputText == "mutated" {
		t.Fatalf("Clone() shares backing array with original")
	}
}
