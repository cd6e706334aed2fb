package poe

import (
	"encoding/json"
)

// Protocol constants shared by both sides of the connection.
const (
	// ProtocolVersion is carried on every request the client originates.
	ProtocolVersion = "1.0"

	// MessageLengthLimit caps the text GetFinalResponse will accumulate.
	MessageLengthLimit = 10000

	// MaxEventCount caps the events the client accepts on one stream.
	MaxEventCount = 1000

	// IdentifierLength is the length of a platform access key.
	IdentifierLength = 32

	// DefaultTemperature applies when a query does not set one.
	DefaultTemperature = 0.7
)

// Identifier is an opaque ASCII identifier assigned by the platform.
type Identifier = string

// Roles carried by protocol messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleBot    = "bot"
)

// Content types the protocol exchanges.
const (
	ContentTypeMarkdown = "text/markdown"
	ContentTypePlain    = "text/plain"
)

// Request types dispatched by the server.
const (
	RequestTypeQuery          = "query"
	RequestTypeSettings       = "settings"
	RequestTypeReportFeedback = "report_feedback"
	RequestTypeReportError    = "report_error"
)

// MessageFeedback is one piece of user feedback attached to a message.
type MessageFeedback struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Attachment is a file attached to a protocol message. ParsedContent holds
// the platform's extraction of the file body, when available.
type Attachment struct {
	URL           string `json:"url"`
	ContentType   string `json:"content_type"`
	Name          string `json:"name"`
	ParsedContent string `json:"parsed_content,omitempty"`
}

// ProtocolMessage is one message of a conversation. Order is significant and
// duplicates are permitted.
type ProtocolMessage struct {
	Role        string            `json:"role"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	MessageID   Identifier        `json:"message_id,omitempty"`
	Feedback    []MessageFeedback `json:"feedback,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	SenderID    string            `json:"sender_id,omitempty"`
}

// BaseRequest carries the fields common to every request type. Type selects
// the handler a request is dispatched to.
type BaseRequest struct {
	Version string `json:"version"`
	Type    string `json:"type"`
}

// QueryRequest asks a bot to respond to a conversation. Metadata is an
// opaque platform string; it is preserved verbatim and never interpreted.
type QueryRequest struct {
	BaseRequest
	Query            []ProtocolMessage  `json:"query"`
	UserID           Identifier         `json:"user_id"`
	ConversationID   Identifier         `json:"conversation_id"`
	MessageID        Identifier         `json:"message_id"`
	Temperature      float64            `json:"temperature"`
	SkipSystemPrompt bool               `json:"skip_system_prompt"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	Metadata         string             `json:"metadata,omitempty"`
	AccessKey        string             `json:"access_key,omitempty"`
	APIKey           string             `json:"api_key,omitempty"`
}

// UnmarshalJSON fills the protocol defaults for fields the platform may
// omit.
func (q *QueryRequest) UnmarshalJSON(data []byte) error {
	type alias QueryRequest
	aux := (*alias)(q)
	aux.Temperature = DefaultTemperature
	return json.Unmarshal(data, aux)
}

// SettingsRequest asks a bot for its settings.
type SettingsRequest struct {
	BaseRequest
}

// ReportFeedbackRequest notifies a bot of user feedback on a message.
type ReportFeedbackRequest struct {
	BaseRequest
	MessageID      Identifier `json:"message_id"`
	UserID         Identifier `json:"user_id"`
	ConversationID Identifier `json:"conversation_id"`
	FeedbackType   string     `json:"feedback_type"`
}

// ReportErrorRequest notifies a bot of an error observed on the other side
// of the connection. The client's protocol violation reports travel as this
// type.
type ReportErrorRequest struct {
	BaseRequest
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SettingsResponse tells the platform how to treat a bot.
//
// The retired context_clear_window_secs and allow_user_context_clear fields
// are accepted on input and dropped; they are never re-emitted.
type SettingsResponse struct {
	// ServerBotDependencies maps bot names to the number of calls per
	// message this bot may make to them.
	ServerBotDependencies map[string]int `json:"server_bot_dependencies,omitempty"`

	AllowAttachments    bool   `json:"allow_attachments,omitempty"`
	IntroductionMessage string `json:"introduction_message,omitempty"`

	// ExpandTextAttachments asks the platform to parse text attachments.
	// nil means true.
	ExpandTextAttachments *bool `json:"expand_text_attachments,omitempty"`

	EnableImageComprehension     bool `json:"enable_image_comprehension,omitempty"`
	EnforceAuthorRoleAlternation bool `json:"enforce_author_role_alternation,omitempty"`
	EnableMultiBotChatPrompting  bool `json:"enable_multi_bot_chat_prompting,omitempty"`
}

// MetaPayload is the stream header a bot may emit as its first event.
type MetaPayload struct {
	Linkify          bool   `json:"linkify"`
	SuggestedReplies bool   `json:"suggested_replies"`
	ContentType      string `json:"content_type"`
	RefetchSettings  bool   `json:"refetch_settings,omitempty"`
}

// ErrorPayload carries the retry semantics of an error event.
type ErrorPayload struct {
	AllowRetry bool   `json:"allow_retry"`
	ErrorType  string `json:"error_type,omitempty"`
}

// PartialResponse is one streamed piece of a bot's reply. Meta and Error act
// as variant tags: when one is set the response is that special event rather
// than plain text.
type PartialResponse struct {
	// Text is the visible payload of text, replace_response,
	// suggested_reply and error responses.
	Text string

	// Data is the decoded payload of a json event.
	Data map[string]any

	// RawResponse preserves whatever produced this response, for callers
	// that need the unprocessed form.
	RawResponse any

	// FullPrompt echoes the prompt that produced the response, when known.
	FullPrompt string

	// RequestID identifies the originating request, when known.
	RequestID string

	// IsSuggestedReply marks a follow-up suggestion for the user rather
	// than response text.
	IsSuggestedReply bool

	// IsReplaceResponse marks text that replaces everything streamed so
	// far.
	IsReplaceResponse bool

	Meta  *MetaPayload
	Error *ErrorPayload
}

// TextResponse builds a plain text response chunk.
func TextResponse(text string) PartialResponse {
	return PartialResponse{Text: text}
}

// ReplaceResponse builds a chunk that replaces everything streamed so far.
func ReplaceResponse(text string) PartialResponse {
	return PartialResponse{Text: text, IsReplaceResponse: true}
}

// SuggestedReply builds a follow-up suggestion for the user.
func SuggestedReply(text string) PartialResponse {
	return PartialResponse{Text: text, IsSuggestedReply: true}
}

// JSONResponse builds a structured data chunk, used for tool-call deltas.
func JSONResponse(data map[string]any) PartialResponse {
	return PartialResponse{Data: data}
}

// MetaEvent builds the stream header response. Only the first event of a
// stream may carry it.
func MetaEvent(meta MetaPayload) PartialResponse {
	return PartialResponse{Meta: &meta}
}

// ErrorEvent builds an error response the platform may retry.
func ErrorEvent(text, errorType string) PartialResponse {
	return PartialResponse{Text: text, Error: &ErrorPayload{AllowRetry: true, ErrorType: errorType}}
}

// ErrorEventNoRetry builds a terminal error response the platform must not
// retry.
func ErrorEventNoRetry(text, errorType string) PartialResponse {
	return PartialResponse{Text: text, Error: &ErrorPayload{AllowRetry: false, ErrorType: errorType}}
}

// ParametersDefinition is the JSON schema block of a tool's arguments.
type ParametersDefinition struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// FunctionDefinition names a callable function and its argument schema.
type FunctionDefinition struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Parameters  ParametersDefinition `json:"parameters"`
}

// ToolDefinition advertises one callable tool to a bot.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionCall is the function half of a tool call: the name plus the
// JSON-encoded arguments the bot streamed back.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDefinition is one aggregated tool call. Index keys the streamed
// deltas the call was assembled from and stays stable across a stream.
type ToolCallDefinition struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolResultDefinition feeds one executed tool result back to the bot.
type ToolResultDefinition struct {
	Role       string `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}
