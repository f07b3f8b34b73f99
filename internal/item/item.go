// Package item defines the response item data model: the tagged union of
// everything a model turn can produce or consume, represented as a flat
// struct with a Kind discriminant rather than a type hierarchy.
package item

// Kind discriminates the variant held by a ResponseItem.
type Kind string

const (
	KindMessage            Kind = "message"
	KindReasoning          Kind = "reasoning"
	KindFunctionCall       Kind = "function_call"
	KindFunctionCallOutput Kind = "function_call_output"
	KindCustomToolCall     Kind = "custom_tool_call"
	KindCustomToolOutput   Kind = "custom_tool_output"
	KindLocalShellCall     Kind = "local_shell_call"
	KindWebSearchCall      Kind = "web_search_call"
	KindOther              Kind = "other"
)

// Role identifies the speaker of a Message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentKind tags a session-prefix message so compaction can recognize and
// skip it when collecting prior user turns.
type ContentKind string

const (
	ContentPlain              ContentKind = ""
	ContentUserInstructions   ContentKind = "user_instructions"
	ContentEnvironmentContext ContentKind = "environment_context"
)

// ContentPart is one piece of a Message's content.
type ContentPart struct {
	InputText  string `json:"input_text,omitempty"`
	OutputText string `json:"output_text,omitempty"`
	InputImage string `json:"input_image,omitempty"`
}

// ShellStatus is the terminal state of a LocalShellCall.
type ShellStatus string

const (
	ShellCompleted  ShellStatus = "completed"
	ShellIncomplete ShellStatus = "incomplete"
)

// ResponseItem is one turn's unit of model input or output. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type ResponseItem struct {
	Kind Kind `json:"kind"`

	// Message
	Role        Role        `json:"role,omitempty"`
	Content     []ContentPart `json:"content,omitempty"`
	ContentKind ContentKind `json:"content_kind,omitempty"`

	// Reasoning
	ReasoningSummary []string `json:"reasoning_summary,omitempty"`

	// FunctionCall / CustomToolCall
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Input     string `json:"input,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// FunctionCallOutput / CustomToolOutput
	Output        string `json:"output,omitempty"`
	OutputSuccess *bool  `json:"output_success,omitempty"`

	// LocalShellCall
	ShellStatus  ShellStatus `json:"shell_status,omitempty"`
	ShellCommand []string    `json:"shell_command,omitempty"`

	// WebSearchCall
	WebSearchQuery string `json:"web_search_query,omitempty"`
	WebSearchOther bool   `json:"web_search_other,omitempty"`

	// OpaqueOther: preserved verbatim for forward compatibility.
	OtherKind string `json:"other_kind,omitempty"`
	OtherRaw  string `json:"other_raw,omitempty"`
}

// Text returns the concatenated output/input text of a Message item, joined
// by newlines, or "" if the item carries no text content.
func (r ResponseItem) Text() string {
	if r.Kind != KindMessage {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		switch {
		case c.OutputText != "":
			parts = append(parts, c.OutputText)
		case c.InputText != "":
			parts = append(parts, c.InputText)
		}
	}
	return joinNonEmpty(parts, "\n")
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

// NewUserMessage builds a plain user-role Message item with a single
// output-text content part.
func NewUserMessage(text string) ResponseItem {
	return ResponseItem{
		Kind:    KindMessage,
		Role:    RoleUser,
		Content: []ContentPart{{OutputText: text}},
	}
}

// NewAssistantMessage builds a plain assistant-role Message item.
func NewAssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Kind:    KindMessage,
		Role:    RoleAssistant,
		Content: []ContentPart{{OutputText: text}},
	}
}

// Clone returns a deep copy sufficient for snapshot isolation (slices are
// re-allocated; ResponseItem carries no pointers aside from OutputSuccess).
func (r ResponseItem) Clone() ResponseItem {
	c := r
	if r.Content != nil {
		c.Content = append([]ContentPart(nil), r.Content...)
	}
	if r.ReasoningSummary != nil {
		c.ReasoningSummary = append([]string(nil), r.ReasoningSummary...)
	}
	if r.ShellCommand != nil {
		c.ShellCommand = append([]string(nil), r.ShellCommand...)
	}
	if r.OutputSuccess != nil {
		v := *r.OutputSuccess
		c.OutputSuccess = &v
	}
	return c
}
