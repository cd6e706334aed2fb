package poe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pawaca/poe-go/pool"
	"github.com/pawaca/poe-go/sse"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the platform endpoint bot names resolve against.
	DefaultBaseURL = "https://api.poe.com/bot/"

	defaultNumTries       = 2
	defaultRetrySleepTime = 500 * time.Millisecond

	clientUserAgent = "poe-go-client/1.0"
)

// StreamRequestOptions configures StreamRequest and the helpers built on it.
// The zero value queries the public platform endpoint with the default retry
// policy and no tools.
type StreamRequestOptions struct {
	// APIKey authorizes the request; sent as a bearer token when set.
	APIKey string

	// BaseURL overrides the platform endpoint (empty = DefaultBaseURL).
	BaseURL string

	// NumTries caps attempts per query (0 = 2).
	NumTries int

	// RetrySleepTime is the pause between attempts (0 = 500ms).
	RetrySleepTime time.Duration

	// Tools advertises callable functions to the bot. When ToolExecutables
	// is also set, StreamRequest runs the full tool-call round trip.
	Tools []ToolDefinition

	// ToolExecutables binds local code to tool names.
	ToolExecutables []ToolExecutable

	// HTTPPool overrides the shared outbound pool (nil = default pool).
	HTTPPool pool.HTTPPool

	// ExtraHeaders are added to every outbound request.
	ExtraHeaders http.Header

	// Logger receives retry and back-channel diagnostics (nil = silent).
	Logger *zap.Logger
}

// streamSettings is one query's resolved configuration.
type streamSettings struct {
	botName     string
	url         string
	apiKey      string
	numTries    int
	retrySleep  time.Duration
	tools       []ToolDefinition
	executables []ToolExecutable
	httpClient  *http.Client
	headers     http.Header
	logger      *zap.Logger
}

func resolveStreamSettings(botName string, opts *StreamRequestOptions) *streamSettings {
	if opts == nil {
		opts = &StreamRequestOptions{}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Ensure the base URL has a trailing slash for proper URL resolution
	if !strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL + "/"
	}

	numTries := opts.NumTries
	if numTries <= 0 {
		numTries = defaultNumTries
	}

	retrySleep := opts.RetrySleepTime
	if retrySleep <= 0 {
		retrySleep = defaultRetrySleepTime
	}

	httpPool := opts.HTTPPool
	if httpPool == nil {
		httpPool = pool.Shared()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &streamSettings{
		botName:     botName,
		url:         baseURL + botName,
		apiKey:      opts.APIKey,
		numTries:    numTries,
		retrySleep:  retrySleep,
		tools:       opts.Tools,
		executables: opts.ToolExecutables,
		httpClient:  httpPool.GetHTTPClient(),
		headers:     opts.ExtraHeaders,
		logger:      logger,
	}
}

// queryPayload is the wire body of one query POST: the query itself plus the
// fields of the active tool round.
type queryPayload struct {
	*QueryRequest
	Tools       []ToolDefinition       `json:"tools,omitempty"`
	ToolCalls   []ToolCallDefinition   `json:"tool_calls,omitempty"`
	ToolResults []ToolResultDefinition `json:"tool_results,omitempty"`
}

// StreamRequest queries a remote bot and streams its partial responses.
// When opts carries both Tools and ToolExecutables the request runs the
// two-round tool flow: collect the streamed tool calls, execute them
// locally, then stream the follow-up response with the results attached.
//
// The returned stream is finite and cannot be restarted. Close it when done.
func StreamRequest(ctx context.Context, request *QueryRequest, botName string, opts *StreamRequestOptions) *ResponseStream {
	settings := resolveStreamSettings(botName, opts)

	streamCtx, cancel := context.WithCancel(ctx)
	responseChan := make(chan PartialResponse, 50)
	errorChan := make(chan error, 1)

	go func() {
		defer close(responseChan)
		defer close(errorChan)

		emit := func(resp PartialResponse) error {
			select {
			case responseChan <- resp:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		}

		query := normalizeQueryRequest(request)

		var err error
		if len(settings.tools) > 0 && len(settings.executables) > 0 {
			err = settings.streamToolRounds(streamCtx, query, emit)
		} else {
			payload := &queryPayload{QueryRequest: query, Tools: settings.tools}
			err = settings.streamWithRetries(streamCtx, payload, len(settings.tools) > 0, emit)
		}
		if err != nil {
			errorChan <- err
		}
	}()

	return newResponseStream(streamCtx, cancel, responseChan, errorChan)
}

// GetBotResponse queries botName with messages and delivers the streamed
// partial responses on the returned channel. A failure arrives as a final
// error-variant response before the channel closes.
func GetBotResponse(ctx context.Context, messages []ProtocolMessage, botName, apiKey string, opts *StreamRequestOptions) <-chan PartialResponse {
	out := make(chan PartialResponse, 50)

	go func() {
		defer close(out)

		stream := StreamRequest(ctx, NewQueryRequest(messages), botName, optsWithAPIKey(opts, apiKey))
		defer stream.Close()

		for stream.Next() {
			select {
			case out <- stream.Current():
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			failure := ErrorEventNoRetry(err.Error(), "")
			if IsBotError(err) && !IsBotErrorNoRetry(err) {
				failure = ErrorEvent(err.Error(), "")
			}
			select {
			case out <- failure:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// GetFinalResponse collapses a streamed query into the bot's final text,
// honoring replace_response semantics and skipping suggested replies and
// stream metadata.
func GetFinalResponse(ctx context.Context, request *QueryRequest, botName, apiKey string, opts *StreamRequestOptions) (string, error) {
	stream := StreamRequest(ctx, request, botName, optsWithAPIKey(opts, apiKey))
	defer stream.Close()

	var chunks []string
	length := 0
	for stream.Next() {
		partial := stream.Current()
		if partial.Meta != nil || partial.Error != nil || partial.IsSuggestedReply {
			continue
		}
		if partial.IsReplaceResponse {
			chunks = chunks[:0]
			length = 0
		}
		chunks = append(chunks, partial.Text)
		length += len(partial.Text)
		if length > MessageLengthLimit {
			return "", NewBotError(fmt.Sprintf("Bot %s response exceeded length limit of %d", botName, MessageLengthLimit))
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", NewBotError(fmt.Sprintf("Bot %s sent no response", botName))
	}
	return strings.Join(chunks, ""), nil
}

// NewQueryRequest builds a single-turn query over messages with freshly
// minted identifiers, suitable for one-off client calls.
func NewQueryRequest(messages []ProtocolMessage) *QueryRequest {
	return &QueryRequest{
		BaseRequest:    BaseRequest{Version: ProtocolVersion, Type: RequestTypeQuery},
		Query:          messages,
		UserID:         uuid.NewString(),
		ConversationID: uuid.NewString(),
		MessageID:      uuid.NewString(),
		Temperature:    DefaultTemperature,
	}
}

func optsWithAPIKey(opts *StreamRequestOptions, apiKey string) *StreamRequestOptions {
	var resolved StreamRequestOptions
	if opts != nil {
		resolved = *opts
	}
	if resolved.APIKey == "" {
		resolved.APIKey = apiKey
	}
	return &resolved
}

// normalizeQueryRequest copies the request and fills the protocol constants,
// so retries never see a mutated caller request.
func normalizeQueryRequest(request *QueryRequest) *QueryRequest {
	query := *request
	if query.Version == "" {
		query.Version = ProtocolVersion
	}
	if query.Type == "" {
		query.Type = RequestTypeQuery
	}
	return &query
}

// streamWithRetries runs query attempts until one succeeds or the policy is
// exhausted. An attempt that already yielded responses is only retried when
// it failed with a connection abort or read timeout; a terminal bot error is
// never retried.
func (s *streamSettings) streamWithRetries(ctx context.Context, payload *queryPayload, toolsInPlay bool, emit func(PartialResponse) error) error {
	var lastErr error

	for attempt := 0; attempt < s.numTries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, s.retrySleep); err != nil {
				return err
			}
		}

		yielded := false
		err := s.performQuery(ctx, payload, toolsInPlay, func(resp PartialResponse) error {
			yielded = true
			return emit(resp)
		})
		if err == nil {
			return nil
		}
		if IsBotErrorNoRetry(err) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		s.logger.Debug("query attempt failed",
			zap.String("bot", s.botName),
			zap.Int("attempt", attempt+1),
			zap.Bool("yielded", yielded),
			zap.Error(err))

		if yielded && !isRetryableTransport(err) {
			break
		}
	}

	return &BotError{Message: fmt.Sprintf("Error communicating with bot %s", s.botName), Cause: lastErr}
}

// performQuery runs one streamed attempt against the bot endpoint.
func (s *streamSettings) performQuery(ctx context.Context, payload *queryPayload, toolsInPlay bool, emit func(PartialResponse) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return NewBotError(fmt.Sprintf("Bot %s returned status %d: %s", s.botName, resp.StatusCode, bodyBytes))
	}

	if contentType := resp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		return NewInvalidContentTypeError(contentType)
	}

	attempt := &queryAttempt{settings: s, toolsInPlay: toolsInPlay, emit: emit}
	return attempt.run(ctx, resp.Body)
}

// queryAttempt tracks the event state machine of a single streamed attempt.
type queryAttempt struct {
	settings    *streamSettings
	emit        func(PartialResponse) error
	toolsInPlay bool

	eventCount    int
	gotText       bool
	errorReported bool
}

func (a *queryAttempt) run(ctx context.Context, body io.Reader) error {
	decoder := sse.NewDecoder(body)

	for {
		event, err := decoder.Next()
		if err != nil {
			if err == io.EOF {
				// The stream ended without a done event; report the
				// violation and treat the attempt as complete.
				a.reportError(ctx, "Bot exited without sending 'done' event", nil)
				return nil
			}
			return fmt.Errorf("failed to read bot event stream: %w", err)
		}

		a.eventCount++
		if a.eventCount > MaxEventCount {
			return NewBotErrorNoRetry(fmt.Sprintf("Bot returned more than %d events", MaxEventCount))
		}

		done, err := a.handleEvent(ctx, event)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (a *queryAttempt) handleEvent(ctx context.Context, event *sse.Event) (bool, error) {
	switch event.Event {
	case "text":
		text, err := a.singleTextField(ctx, event.Data, "text")
		if err != nil {
			return false, err
		}
		a.gotText = true
		return false, a.emit(TextResponse(text))

	case "replace_response":
		text, err := a.singleTextField(ctx, event.Data, "replace_response")
		if err != nil {
			return false, err
		}
		a.gotText = true
		return false, a.emit(ReplaceResponse(text))

	case "suggested_reply":
		text, err := a.singleTextField(ctx, event.Data, "suggested_reply")
		if err != nil {
			return false, err
		}
		return false, a.emit(SuggestedReply(text))

	case "json":
		data, err := a.loadJSONObject(ctx, event.Data, "json")
		if err != nil {
			return false, err
		}
		return false, a.emit(JSONResponse(data))

	case "meta":
		// Meta is only honored as the first event of a stream.
		if a.eventCount != 1 {
			return false, nil
		}
		return false, a.handleMeta(ctx, event.Data)

	case "error":
		return false, a.handleErrorEvent(ctx, event.Data)

	case "ping":
		return false, nil

	case "done":
		if !a.gotText && !a.errorReported && !a.toolsInPlay {
			a.reportError(ctx, "Bot returned no text in response", nil)
		}
		return true, nil

	default:
		a.reportError(ctx, fmt.Sprintf("Unknown event type: '%s'", truncate(event.Event, 100)),
			map[string]any{"event_data": truncate(event.Data, 500)})
		return false, nil
	}
}

func (a *queryAttempt) handleMeta(ctx context.Context, data string) error {
	meta, err := a.loadJSONObject(ctx, data, "meta")
	if err != nil {
		return err
	}

	linkify, ok := boolField(meta, "linkify", false)
	if !ok {
		a.reportError(ctx, "Invalid linkify value in 'meta' event", map[string]any{"data": truncate(data, 500)})
		return nil
	}
	suggestedReplies, ok := boolField(meta, "suggested_replies", false)
	if !ok {
		a.reportError(ctx, "Invalid suggested_replies value in 'meta' event", map[string]any{"data": truncate(data, 500)})
		return nil
	}
	contentType, ok := stringField(meta, "content_type", ContentTypeMarkdown)
	if !ok {
		a.reportError(ctx, "Invalid content_type value in 'meta' event", map[string]any{"data": truncate(data, 500)})
		return nil
	}

	return a.emit(MetaEvent(MetaPayload{
		Linkify:          linkify,
		SuggestedReplies: suggestedReplies,
		ContentType:      contentType,
	}))
}

func (a *queryAttempt) handleErrorEvent(ctx context.Context, data string) error {
	payload, err := a.loadJSONObject(ctx, data, "error")
	if err != nil {
		return err
	}

	// Servers have emitted both spellings over time; accept either.
	allowRetry := true
	if v, ok := payload["allow_retry"].(bool); ok {
		allowRetry = v
	} else if v, ok := payload["allowRetry"].(bool); ok {
		allowRetry = v
	}

	if allowRetry {
		return NewBotError(data)
	}

	botErr := NewBotErrorNoRetry(data)
	if errorType, ok := payload["error_type"].(string); ok {
		botErr.ErrorType = errorType
	}
	return botErr
}

// loadJSONObject decodes an event payload that must be a JSON object. A
// structurally invalid payload is reported to the bot and fails the query
// terminally.
func (a *queryAttempt) loadJSONObject(ctx context.Context, data, event string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil || obj == nil {
		message := fmt.Sprintf("Invalid JSON in '%s' event", event)
		a.reportError(ctx, message, map[string]any{"data": truncate(data, 500)})
		return nil, NewBotErrorNoRetry(message)
	}
	return obj, nil
}

func (a *queryAttempt) singleTextField(ctx context.Context, data, event string) (string, error) {
	obj, err := a.loadJSONObject(ctx, data, event)
	if err != nil {
		return "", err
	}
	text, ok := obj["text"].(string)
	if !ok {
		message := fmt.Sprintf("Expected string in 'text' field of '%s' event", event)
		a.reportError(ctx, message, map[string]any{"data": truncate(data, 500)})
		return "", NewBotErrorNoRetry(message)
	}
	return text, nil
}

// reportError posts a protocol violation back to the bot's own endpoint.
func (a *queryAttempt) reportError(ctx context.Context, message string, metadata map[string]any) {
	a.errorReported = true
	a.settings.reportProtocolError(ctx, message, metadata)
}

// reportProtocolError delivers a report_error request to the bot. Failures
// are logged, never raised; the report must not mask the original problem.
func (s *streamSettings) reportProtocolError(ctx context.Context, message string, metadata map[string]any) {
	report := ReportErrorRequest{
		BaseRequest: BaseRequest{Version: ProtocolVersion, Type: RequestTypeReportError},
		Message:     message,
		Metadata:    metadata,
	}

	body, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("failed to marshal error report", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create error report request", zap.Error(err))
		return
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("failed to report error to bot",
			zap.String("bot", s.botName), zap.String("message", message), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("bot rejected error report",
			zap.String("bot", s.botName), zap.Int("status", resp.StatusCode))
	}
}

// setHeaders sets common headers for the request
func (s *streamSettings) setHeaders(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientUserAgent)

	// Apply extra headers (these can override defaults if needed)
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
}

// isRetryableTransport reports whether err is a connection abort or read
// timeout, the one failure class that stays retryable after a partial
// response has been yielded.
func isRetryableTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncate clips s for inclusion in an error report.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// boolField reads an optional bool from a decoded JSON object. ok is false
// only when the field is present with the wrong type.
func boolField(obj map[string]any, key string, def bool) (bool, bool) {
	raw, present := obj[key]
	if !present {
		return def, true
	}
	b, isBool := raw.(bool)
	if !isBool {
		return def, false
	}
	return b, true
}

// stringField reads an optional string from a decoded JSON object. ok is
// false only when the field is present with the wrong type.
func stringField(obj map[string]any, key, def string) (string, bool) {
	raw, present := obj[key]
	if !present {
		return def, true
	}
	s, isString := raw.(string)
	if !isString {
		return def, false
	}
	return s, true
}
