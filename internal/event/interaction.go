package event

// Interaction schema types live here because they are persisted inside
// UserInteractionRequested/Responded payloads; the interaction package
// builds its service on top of this schema.

// InteractionKind classifies what the user is asked to do.
type InteractionKind string

const (
	InteractionSelect    InteractionKind = "Select"
	InteractionConfirm   InteractionKind = "Confirm"
	InteractionInput     InteractionKind = "Input"
	InteractionComposite InteractionKind = "Composite"
)

// ContentKind tells surfaces how to render the display body.
type ContentKind string

const (
	ContentKindPlainText ContentKind = "PlainText"
	ContentKindJSON      ContentKind = "Json"
	ContentKindDiff      ContentKind = "Diff"
	ContentKindTable     ContentKind = "Table"
)

// InteractionDisplay is what the user sees. Metadata carries machine-facing
// bindings; for risky-tool confirmations metadata["toolCallId"] binds the
// interaction to one specific pending tool call.
type InteractionDisplay struct {
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body,omitempty"`
	ContentKind ContentKind       `json:"contentKind,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InteractionOption is one selectable answer.
type InteractionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// InteractionValidation constrains free-form input answers.
type InteractionValidation struct {
	Required  bool   `json:"required,omitempty"`
	MinLength int    `json:"minLength,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// InteractionRequest is a structured question; InteractionID is globally
// unique across all tasks.
type InteractionRequest struct {
	InteractionID string                 `json:"interactionId"`
	Kind          InteractionKind        `json:"kind"`
	Purpose       string                 `json:"purpose,omitempty"`
	Display       InteractionDisplay     `json:"display"`
	Options       []InteractionOption    `json:"options,omitempty"`
	Validation    *InteractionValidation `json:"validation,omitempty"`
}

// InteractionResponse is the user's answer to one request.
type InteractionResponse struct {
	InteractionID    string            `json:"interactionId"`
	SelectedOptionID string            `json:"selectedOptionId,omitempty"`
	Text             string            `json:"text,omitempty"`
	Values           map[string]string `json:"values,omitempty"`
}

// Canonical option ids for Confirm interactions.
const (
	OptionApprove = "approve"
	OptionReject  = "reject"
)

// MetadataToolCallID is the display metadata key binding a Confirm
// interaction to the tool call it gates.
const MetadataToolCallID = "toolCallId"

// BoundToolCallID returns the tool call a request gates, or "".
func (r *InteractionRequest) BoundToolCallID() string {
	if r == nil || r.Display.Metadata == nil {
		return ""
	}
	return r.Display.Metadata[MetadataToolCallID]
}

// Approved reports whether the response picked the approve option.
func (r *InteractionResponse) Approved() bool {
	return r != nil && r.SelectedOptionID == OptionApprove
}

// Rejected reports whether the response picked the reject option.
func (r *InteractionResponse) Rejected() bool {
	return r != nil && r.SelectedOptionID == OptionReject
}
