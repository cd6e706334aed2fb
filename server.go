package poe

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/pawaca/poe-go/sse"
	"go.uber.org/zap"
)

// ServerConfig configures a bot server. The zero value serves bots that
// carry their own access keys, with default stream behavior.
type ServerConfig struct {
	// AccessKey protects the server when it hosts a single bot. With
	// multiple bots, set the key on each bot instead.
	AccessKey string

	// APIKey is the former name for AccessKey.
	//
	// Deprecated: use AccessKey.
	APIKey string

	// AllowWithoutKey serves bots with no resolvable access key instead of
	// failing construction. Requests are then accepted unauthenticated.
	AllowWithoutKey bool

	// Stream tunes the query response driver.
	Stream StreamOptions

	// Logger receives server logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

// botRoute is one served bot together with its resolved access key.
type botRoute struct {
	bot       Bot
	accessKey string
}

// Server hosts one or more bots, routing each request by URL path and
// dispatching by the request type carried in the body.
type Server struct {
	config ServerConfig
	routes map[string]*botRoute

	encoder *sse.Encoder
	logger  *zap.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer builds a server hosting the given bots. Each bot is mounted at
// its configured path and must resolve an access key unless AllowWithoutKey
// is set.
func NewServer(config ServerConfig, bots ...Bot) (*Server, error) {
	if len(bots) == 0 {
		return nil, NewInvalidParameterError("at least one bot is required")
	}

	encoder, err := sse.NewEncoder(config.Stream.Separator)
	if err != nil {
		return nil, NewInvalidParameterError("stream separator must be \\r\\n, \\r, or \\n")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if (config.AccessKey != "" || config.APIKey != "") && len(bots) > 1 {
		return nil, NewInvalidParameterError("with multiple bots, set the access key on each bot rather than on the server")
	}

	s := &Server{
		config:   config,
		routes:   make(map[string]*botRoute, len(bots)),
		encoder:  encoder,
		logger:   logger,
		shutdown: make(chan struct{}),
	}

	for _, bot := range bots {
		cfg := bot.Config()
		path := normalizeBotPath(cfg.Path)
		cfg.Path = path
		if _, exists := s.routes[path]; exists {
			return nil, NewInvalidParameterError("duplicate bot path %q", path)
		}

		accessKey, err := s.resolveAccessKey(cfg)
		if err != nil {
			return nil, err
		}
		if accessKey != "" && len(accessKey) != IdentifierLength {
			logger.Warn("access key does not look like a Poe access key",
				zap.String("bot", path), zap.Int("length", len(accessKey)))
		}

		if cfg.Logger == nil {
			cfg.Logger = logger
		}

		s.routes[path] = &botRoute{bot: bot, accessKey: accessKey}
	}

	return s, nil
}

// resolveAccessKey picks the key protecting one bot: the bot's own key, then
// the server key, then the POE_ACCESS_KEY environment variable, then the
// deprecated APIKey equivalents of all three.
func (s *Server) resolveAccessKey(cfg *BotConfig) (string, error) {
	if cfg.AccessKey != "" {
		return cfg.AccessKey, nil
	}
	if s.config.AccessKey != "" {
		return s.config.AccessKey, nil
	}
	if key := os.Getenv("POE_ACCESS_KEY"); key != "" {
		return key, nil
	}

	deprecated := ""
	switch {
	case cfg.APIKey != "":
		deprecated = cfg.APIKey
	case s.config.APIKey != "":
		deprecated = s.config.APIKey
	default:
		deprecated = os.Getenv("POE_API_KEY")
	}
	if deprecated != "" {
		s.logger.Warn("api_key is deprecated, use an access key instead",
			zap.String("bot", cfg.Path))
		return deprecated, nil
	}

	if s.config.AllowWithoutKey {
		return "", nil
	}
	return "", NewInvalidParameterError(
		"bot %q has no access key; set BotConfig.AccessKey, ServerConfig.AccessKey or POE_ACCESS_KEY, or set AllowWithoutKey", cfg.Path)
}

func normalizeBotPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// NotifyShutdown tells active streams the process is going away. Each open
// stream writes its interruption record and closes so clients retry
// elsewhere. Safe to call more than once.
func (s *Server) NotifyShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := s.routes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveLandingPage(w, r)
	case http.MethodPost:
		s.dispatch(w, r, route)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// dispatch authenticates a request and hands it to the handler matching the
// type field in its body.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, route *botRoute) {
	if err := authenticate(r, route.accessKey); err != nil {
		s.writeHTTPError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Failed to read request body"))
		return
	}

	var base BaseRequest
	if err := json.Unmarshal(body, &base); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Invalid JSON body"))
		return
	}

	s.logger.Debug("dispatching request",
		zap.String("bot", route.bot.Config().Path),
		zap.String("type", base.Type),
		zap.String("version", base.Version))

	switch base.Type {
	case RequestTypeQuery:
		s.handleQueryRequest(w, r, route, body)
	case RequestTypeSettings:
		s.handleSettingsRequest(w, r, route, body)
	case RequestTypeReportFeedback:
		s.handleReportFeedbackRequest(w, r, route, body)
	case RequestTypeReportError:
		s.handleReportErrorRequest(w, r, route, body)
	default:
		s.writeHTTPError(w, NewHTTPError(http.StatusNotImplemented,
			fmt.Sprintf("Unsupported request type: %q", base.Type)))
	}
}

// authenticate checks the bearer token against the route's access key. A
// route with no key admits everything.
func authenticate(r *http.Request, accessKey string) error {
	if accessKey == "" {
		return nil
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return NewHTTPError(http.StatusForbidden, "Not authenticated")
	}
	if token != accessKey {
		return &HTTPError{
			StatusCode: http.StatusUnauthorized,
			Message:    "Invalid access key",
			Headers:    http.Header{"Www-Authenticate": []string{"Bearer"}},
		}
	}
	return nil
}

func (s *Server) handleQueryRequest(w http.ResponseWriter, r *http.Request, route *botRoute, body []byte) {
	var req QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Invalid query request"))
		return
	}

	cfg := route.bot.Config()
	if cfg.insertAttachmentMessages() {
		InsertAttachmentMessages(&req)
	} else if cfg.ConcatAttachmentsToMessage {
		s.logger.Warn("ConcatAttachmentsToMessage is deprecated, use ShouldInsertAttachmentMessages",
			zap.String("bot", cfg.Path))
		ConcatAttachmentContent(&req)
	}

	s.streamQuery(w, r, route.bot, &req)
}

func (s *Server) handleSettingsRequest(w http.ResponseWriter, r *http.Request, route *botRoute, body []byte) {
	var req SettingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Invalid settings request"))
		return
	}

	settings, err := route.bot.HandleSettings(r.Context(), &req)
	if err != nil {
		s.logger.Error("settings handler failed",
			zap.String("bot", route.bot.Config().Path), zap.Error(err))
		s.writeHTTPError(w, err)
		return
	}
	if settings == nil {
		settings = &SettingsResponse{}
	}
	if err := settings.Validate(); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusInternalServerError, err.Error()))
		return
	}

	s.writeJSON(w, settings)
}

func (s *Server) handleReportFeedbackRequest(w http.ResponseWriter, r *http.Request, route *botRoute, body []byte) {
	var req ReportFeedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Invalid feedback request"))
		return
	}

	if err := route.bot.HandleReportFeedback(r.Context(), &req); err != nil {
		s.logger.Error("feedback handler failed",
			zap.String("bot", route.bot.Config().Path), zap.Error(err))
		s.writeHTTPError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) handleReportErrorRequest(w http.ResponseWriter, r *http.Request, route *botRoute, body []byte) {
	var req ReportErrorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeHTTPError(w, NewHTTPError(http.StatusBadRequest, "Invalid error report"))
		return
	}

	s.logger.Error("error reported by client",
		zap.String("bot", route.bot.Config().Path),
		zap.String("message", req.Message),
		zap.Any("metadata", req.Metadata))

	if err := route.bot.HandleReportError(r.Context(), &req); err != nil {
		s.logger.Error("error report handler failed",
			zap.String("bot", route.bot.Config().Path), zap.Error(err))
		s.writeHTTPError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>Congratulations! Your bot server is running.</p>
<p>To connect it to Poe, create a server bot at <a href="https://poe.com/create_bot?server=1">poe.com/create_bot</a> and point it at this server.</p>
</body>
</html>
`))

func (s *Server) serveLandingPage(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" {
		name = "Poe bot"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, struct{ Name string }{Name: name}); err != nil {
		s.logger.Error("failed to render landing page", zap.Error(err))
	}
}

// writeJSON sends a 200 response with a JSON body.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeHTTPError renders an error as its HTTP status, defaulting to 500 for
// errors that carry none.
func (s *Server) writeHTTPError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	for key, values := range httpErr.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	http.Error(w, httpErr.Message, httpErr.StatusCode)
}
