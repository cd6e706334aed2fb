package poe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pawaca/poe-go/pool"
	"go.uber.org/zap"
)

// Validate checks a settings response before it is served or pushed to the
// platform.
func (s *SettingsResponse) Validate() error {
	for name, limit := range s.ServerBotDependencies {
		if limit < 0 {
			return NewInvalidBotSettingsError(
				fmt.Sprintf("dependency %q has a negative call limit", name))
		}
	}
	if len(s.IntroductionMessage) > MessageLengthLimit {
		return NewInvalidBotSettingsError(
			fmt.Sprintf("introduction message exceeds %d characters", MessageLengthLimit))
	}
	return nil
}

// SyncBotSettingsOptions tunes a settings sync. The zero value asks the
// platform to refetch settings from the bot server.
type SyncBotSettingsOptions struct {
	// Settings, when set, is pushed to the platform directly instead of
	// having it refetch from the bot server.
	Settings *SettingsResponse

	// BaseURL overrides the platform API base URL.
	BaseURL string

	// HTTPPool overrides the shared connection pool.
	HTTPPool pool.HTTPPool

	// Logger receives sync progress. Defaults to a no-op logger.
	Logger *zap.Logger
}

// SyncBotSettings tells the platform about a bot's current settings: with
// Settings set they are pushed as given, otherwise the platform refetches
// them from the bot server. Run it after changing what HandleSettings
// returns; the platform caches settings until told.
func SyncBotSettings(ctx context.Context, botName, accessKey string, opts *SyncBotSettingsOptions) error {
	if opts == nil {
		opts = &SyncBotSettingsOptions{}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	httpPool := opts.HTTPPool
	if httpPool == nil {
		httpPool = pool.Shared()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var endpoint string
	var body io.Reader
	if opts.Settings != nil {
		if err := opts.Settings.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(opts.Settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		endpoint = fmt.Sprintf("%supdate_settings/%s/%s/%s", baseURL, botName, accessKey, ProtocolVersion)
		body = bytes.NewReader(payload)
	} else {
		endpoint = fmt.Sprintf("%sfetch_settings/%s/%s/%s", baseURL, botName, accessKey, ProtocolVersion)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create settings request: %w", err)
	}
	if opts.Settings != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpPool.GetHTTPClient().Do(httpReq)
	if err != nil {
		return &BotError{Message: fmt.Sprintf("Error syncing settings for bot %s", botName), Cause: err}
	}
	defer resp.Body.Close()

	text, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewBotError(fmt.Sprintf("Error syncing settings for bot %s: %s",
			botName, strings.TrimSpace(string(text))))
	}

	logger.Info("bot settings synced",
		zap.String("bot", botName), zap.String("response", strings.TrimSpace(string(text))))
	return nil
}
