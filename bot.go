package poe

import (
	"context"
	"errors"
	"sync"

	"github.com/pawaca/poe-go/pool"
	"go.uber.org/zap"
)

// BotConfig identifies a hosted bot and controls its request pre-processing.
type BotConfig struct {
	// Path is the URL path the bot serves, e.g. "/echobot". An empty path
	// serves the root.
	Path string

	// AccessKey authenticates platform requests when set. Left empty, the
	// server resolves one from its own configuration or the environment.
	AccessKey string

	// APIKey is the old name for AccessKey.
	//
	// Deprecated: set AccessKey.
	APIKey string

	// ShouldInsertAttachmentMessages synthesizes user messages from parsed
	// attachment content ahead of the final user message of each query.
	// nil means true.
	ShouldInsertAttachmentMessages *bool

	// ConcatAttachmentsToMessage appends parsed attachment content to the
	// final message body instead of inserting messages.
	//
	// Deprecated: use ShouldInsertAttachmentMessages.
	ConcatAttachmentsToMessage bool

	// Logger receives the bot's diagnostics (nil = the server's logger).
	Logger *zap.Logger
}

// insertAttachmentMessages resolves the nil default (true).
func (c *BotConfig) insertAttachmentMessages() bool {
	return c.ShouldInsertAttachmentMessages == nil || *c.ShouldInsertAttachmentMessages
}

// accessKey resolves the effective key, honoring the deprecated field.
func (c *BotConfig) accessKey() string {
	if c.AccessKey != "" {
		return c.AccessKey
	}
	return c.APIKey
}

// Bot answers the protocol's four request types. Implementations embed
// BaseBot, which supplies defaults for everything except HandleQuery and
// carries the per-message attachment bookkeeping.
type Bot interface {
	Config() *BotConfig

	// HandleQuery produces the streamed response to a conversation. Send
	// partial responses through w; returning an error ends the stream with
	// a terminal error event.
	HandleQuery(ctx context.Context, req *QueryRequest, w *EventWriter) error

	// HandleSettings reports how the platform should treat this bot.
	HandleSettings(ctx context.Context, req *SettingsRequest) (*SettingsResponse, error)

	// HandleReportFeedback receives user feedback on an earlier message.
	HandleReportFeedback(ctx context.Context, req *ReportFeedbackRequest) error

	// HandleReportError receives error reports from the platform or from
	// clients of this bot.
	HandleReportError(ctx context.Context, req *ReportErrorRequest) error

	attachments() *attachmentTable
}

// ErrNotImplemented is returned by the default query handler.
var ErrNotImplemented = errors.New("bot does not implement query handling")

// BaseBot supplies the default behavior for everything a bot does not
// override. The zero value is usable; set Path before hosting more than one
// bot on a server.
type BaseBot struct {
	BotConfig

	pendingOnce sync.Once
	pending     *attachmentTable

	// Upload routing, overridable in tests.
	uploadURL  string
	uploadPool pool.HTTPPool
}

// Config returns the bot's configuration.
func (b *BaseBot) Config() *BotConfig {
	return &b.BotConfig
}

// HandleQuery rejects queries. Override it to produce responses.
func (b *BaseBot) HandleQuery(ctx context.Context, req *QueryRequest, w *EventWriter) error {
	return ErrNotImplemented
}

// HandleSettings returns the default settings.
func (b *BaseBot) HandleSettings(ctx context.Context, req *SettingsRequest) (*SettingsResponse, error) {
	return &SettingsResponse{}, nil
}

// HandleReportFeedback ignores feedback.
func (b *BaseBot) HandleReportFeedback(ctx context.Context, req *ReportFeedbackRequest) error {
	return nil
}

// HandleReportError ignores reports; the server logs them before this is
// called.
func (b *BaseBot) HandleReportError(ctx context.Context, req *ReportErrorRequest) error {
	return nil
}

func (b *BaseBot) attachments() *attachmentTable {
	b.pendingOnce.Do(func() {
		b.pending = newAttachmentTable()
	})
	return b.pending
}
