package poe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pawaca/poe-go/sse"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 15 * time.Second

	// streamInterruptedData is the synthetic error payload written when a
	// send timeout or process shutdown cuts a stream short.
	streamInterruptedData = `{"text": "error sse write timeout", "allow_retry": false}`
)

// StreamOptions tunes the streaming response driver. The zero value pings
// every 15 seconds, separates lines with \r\n, and applies no send timeout.
type StreamOptions struct {
	// PingInterval is the heartbeat period (0 = 15s).
	PingInterval time.Duration

	// Separator terminates each wire line: "\r\n", "\r" or "\n"
	// (empty = "\r\n").
	Separator string

	// SendTimeout bounds each event write. Expiry terminates the stream
	// with a synthetic error record. Zero disables the deadline.
	SendTimeout time.Duration

	// PingMessageFactory overrides the default comment-style heartbeat.
	PingMessageFactory func() sse.Event

	// Headers are added to the response. A header sharing a mandatory
	// header's name replaces it.
	Headers http.Header

	// DataSender, when set, runs alongside each query handler and may push
	// events through the same writer. The stream finishes when both have
	// returned.
	DataSender func(ctx context.Context, w *EventWriter) error
}

// EventWriter queues a handler's responses for the wire. Handlers enqueue
// from any goroutine; only the driver touches the connection.
type EventWriter struct {
	ctx    context.Context
	events chan sse.Event
}

// Send translates one partial response to its wire event and enqueues it.
// It blocks while the stream applies backpressure and fails once the stream
// is gone.
func (w *EventWriter) Send(resp PartialResponse) error {
	event, err := responseToEvent(resp)
	if err != nil {
		return err
	}
	return w.SendEvent(event)
}

// SendEvent enqueues a raw server-sent event untouched, for payloads outside
// the response translation, such as relaying another bot's stream.
func (w *EventWriter) SendEvent(event sse.Event) error {
	select {
	case w.events <- event:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// Context returns the context bounding the stream this writer feeds.
func (w *EventWriter) Context() context.Context {
	return w.ctx
}

// Wire payload shapes for the events a bot emits.
type textEventData struct {
	Text string `json:"text"`
}

type errorEventData struct {
	AllowRetry bool   `json:"allowRetry"`
	ErrorType  string `json:"errorType,omitempty"`
	Text       string `json:"text"`
}

// responseToEvent renders a partial response as its wire event.
func responseToEvent(resp PartialResponse) (sse.Event, error) {
	switch {
	case resp.Error != nil:
		data, err := json.Marshal(errorEventData{
			AllowRetry: resp.Error.AllowRetry,
			ErrorType:  resp.Error.ErrorType,
			Text:       resp.Text,
		})
		if err != nil {
			return sse.Event{}, err
		}
		return sse.Event{Event: "error", Data: string(data)}, nil

	case resp.Meta != nil:
		data, err := json.Marshal(resp.Meta)
		if err != nil {
			return sse.Event{}, err
		}
		return sse.Event{Event: "meta", Data: string(data)}, nil

	case resp.Data != nil:
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return sse.Event{}, err
		}
		return sse.Event{Event: "json", Data: string(data)}, nil

	case resp.IsSuggestedReply:
		return textEvent("suggested_reply", resp.Text)

	case resp.IsReplaceResponse:
		return textEvent("replace_response", resp.Text)

	default:
		return textEvent("text", resp.Text)
	}
}

func textEvent(name, text string) (sse.Event, error) {
	data, err := json.Marshal(textEventData{Text: text})
	if err != nil {
		return sse.Event{}, err
	}
	return sse.Event{Event: name, Data: string(data)}, nil
}

func doneEvent() sse.Event {
	return sse.Event{Event: "done", Data: "{}"}
}

func interruptedEvent() sse.Event {
	return sse.Event{Event: "error", Data: streamInterruptedData}
}

// pingEvent builds the heartbeat record: the configured factory's event, or
// a comment carrying a timestamp.
func pingEvent(factory func() sse.Event) sse.Event {
	if factory != nil {
		return factory()
	}
	return sse.Event{Comment: "ping - " + time.Now().UTC().Format(time.RFC3339)}
}

// applyStreamHeaders sets the mandatory event stream headers, then the
// configured extras; an extra sharing a name wins.
func applyStreamHeaders(w http.ResponseWriter, extra http.Header) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	for key, values := range extra {
		headers.Del(key)
		for _, value := range values {
			headers.Add(key, value)
		}
	}
}

// streamQuery drives one query response: it runs the bot handler and the
// optional data sender as producers, relays their events onto the wire,
// heartbeats the connection, and finishes with the terminal done event. The
// driver goroutine is the only writer to the connection.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, bot Bot, req *QueryRequest) {
	opts := s.config.Stream

	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &EventWriter{ctx: ctx, events: make(chan sse.Event, 16)}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		s.runQueryHandler(ctx, bot, req, writer)
	}()
	if opts.DataSender != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := opts.DataSender(ctx, writer); err != nil {
				s.logger.Error("data sender failed",
					zap.String("bot", bot.Config().Path), zap.Error(err))
			}
		}()
	}
	go func() {
		producers.Wait()
		close(writer.events)
	}()

	applyStreamHeaders(w, opts.Headers)
	w.WriteHeader(http.StatusOK)

	conn := &streamConn{
		w:           w,
		rc:          http.NewResponseController(w),
		encoder:     s.encoder,
		sendTimeout: opts.SendTimeout,
		logger:      s.logger,
	}
	conn.flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The peer disconnected; stop without a terminal record.
			return

		case <-s.shutdown:
			conn.writeTrailer()
			return

		case <-ticker.C:
			if err := conn.write(pingEvent(opts.PingMessageFactory)); err != nil {
				if isWriteTimeout(err) {
					conn.writeTrailer()
				}
				return
			}

		case event, ok := <-writer.events:
			if !ok {
				// Producers finished; done is the last record.
				conn.write(doneEvent())
				return
			}
			if err := conn.write(event); err != nil {
				if isWriteTimeout(err) {
					conn.writeTrailer()
				}
				return
			}
		}
	}
}

// runQueryHandler invokes the bot's query handler, settles the pending
// attachment uploads of the response message, and converts any failure into
// one final error event.
func (s *Server) runQueryHandler(ctx context.Context, bot Bot, req *QueryRequest, w *EventWriter) {
	err := invokeQueryHandler(ctx, bot, req, w)

	if drainErr := bot.attachments().drain(ctx, req.MessageID); drainErr != nil && err == nil {
		err = drainErr
	}

	if err != nil {
		s.logger.Error("query handler failed",
			zap.String("bot", bot.Config().Path), zap.Error(err))
		if event, convErr := responseToEvent(ErrorEventNoRetry(err.Error(), "")); convErr == nil {
			w.SendEvent(event)
		}
	}
}

func invokeQueryHandler(ctx context.Context, bot Bot, req *QueryRequest, w *EventWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query handler panicked: %v", r)
		}
	}()
	return bot.HandleQuery(ctx, req, w)
}

// streamConn owns the write side of one streamed response.
type streamConn struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	encoder     *sse.Encoder
	sendTimeout time.Duration
	logger      *zap.Logger

	deadlineUnsupported bool
}

func (c *streamConn) write(event sse.Event) error {
	if c.sendTimeout > 0 && !c.deadlineUnsupported {
		if err := c.rc.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
			// The connection cannot carry deadlines; proceed without them.
			c.logger.Warn("write deadline not supported", zap.Error(err))
			c.deadlineUnsupported = true
		}
	}

	if err := c.encoder.WriteEvent(c.w, event); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil {
		return err
	}

	if c.sendTimeout > 0 && !c.deadlineUnsupported {
		c.rc.SetWriteDeadline(time.Time{})
	}
	return nil
}

// writeTrailer makes a best effort to close the stream with the synthetic
// interruption record. The connection may already be unusable.
func (c *streamConn) writeTrailer() {
	if c.sendTimeout > 0 && !c.deadlineUnsupported {
		c.rc.SetWriteDeadline(time.Time{})
	}
	if err := c.encoder.WriteEvent(c.w, interruptedEvent()); err != nil {
		return
	}
	c.rc.Flush()
}

func (c *streamConn) flush() {
	c.rc.Flush()
}

func isWriteTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
