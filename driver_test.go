package poe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pawaca/poe-go/sse"
)

// funcBot runs a query handler function.
type funcBot struct {
	BaseBot
	handle func(ctx context.Context, req *QueryRequest, w *EventWriter) error
}

func (b *funcBot) HandleQuery(ctx context.Context, req *QueryRequest, w *EventWriter) error {
	return b.handle(ctx, req, w)
}

func newFuncBot(handle func(ctx context.Context, req *QueryRequest, w *EventWriter) error) *funcBot {
	bot := &funcBot{handle: handle}
	bot.AccessKey = testAccessKey
	return bot
}

func queryBody(t *testing.T, ts *httptest.Server, messageID string) *http.Response {
	t.Helper()
	return postJSON(t, ts, "/", testAccessKey, map[string]any{
		"version":    ProtocolVersion,
		"type":       RequestTypeQuery,
		"query":      []map[string]any{{"role": "user", "content": "hi"}},
		"message_id": messageID,
	})
}

func TestStreamQuery_TextThenDone(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return w.Send(TextResponse("hi"))
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for header, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := "event: text\r\ndata: {\"text\":\"hi\"}\r\n\r\n" +
		"event: done\r\ndata: {}\r\n\r\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestStreamQuery_HandlerError(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return errors.New("boom")
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	events := decodeResponse(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("expected error then done, got %+v", events)
	}
	if events[0].Event != "error" || events[0].Data != `{"allowRetry":false,"text":"boom"}` {
		t.Errorf("error event = %+v", events[0])
	}
	if events[1].Event != "done" {
		t.Errorf("final event = %+v", events[1])
	}
}

func TestStreamQuery_HandlerPanic(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		panic("blew up")
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	events := decodeResponse(t, resp.Body)
	if len(events) != 2 || events[0].Event != "error" || events[1].Event != "done" {
		t.Fatalf("expected error then done, got %+v", events)
	}
	if !strings.Contains(events[0].Data, "blew up") {
		t.Errorf("panic text should surface in the error event: %q", events[0].Data)
	}
}

func TestStreamQuery_ResponseTranslation(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		if err := w.Send(MetaEvent(MetaPayload{Linkify: true, SuggestedReplies: true, ContentType: ContentTypeMarkdown})); err != nil {
			return err
		}
		if err := w.Send(TextResponse("one")); err != nil {
			return err
		}
		if err := w.Send(ReplaceResponse("two")); err != nil {
			return err
		}
		if err := w.Send(SuggestedReply("three")); err != nil {
			return err
		}
		if err := w.Send(JSONResponse(map[string]any{"delta": true})); err != nil {
			return err
		}
		// Raw events pass through untouched.
		return w.SendEvent(sse.Event{Event: "json", Data: `{"k":"v"}`})
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	events := decodeResponse(t, resp.Body)
	wantNames := []string{"meta", "text", "replace_response", "suggested_reply", "json", "json", "done"}
	if len(events) != len(wantNames) {
		t.Fatalf("expected %d events, got %+v", len(wantNames), events)
	}
	for i, want := range wantNames {
		if events[i].Event != want {
			t.Errorf("event %d = %q, want %q", i, events[i].Event, want)
		}
	}
	if !strings.Contains(events[0].Data, `"suggested_replies":true`) {
		t.Errorf("meta payload must use wire field names: %q", events[0].Data)
	}
	if events[4].Data != `{"delta":true}` {
		t.Errorf("json response data = %q", events[4].Data)
	}
	if events[5].Data != `{"k":"v"}` {
		t.Errorf("raw event data = %q", events[5].Data)
	}
}

func TestStreamQuery_Heartbeat(t *testing.T) {
	release := make(chan struct{})
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return w.Send(TextResponse("late"))
	})
	cfg := ServerConfig{Stream: StreamOptions{PingInterval: 10 * time.Millisecond}}
	srv := newTestServer(t, cfg, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasPrefix(line, ": ping - ") {
		t.Errorf("first record should be a heartbeat comment, got %q", line)
	}
	close(release)

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(rest), "event: done") {
		t.Errorf("stream should still finish with done: %q", rest)
	}
}

func TestStreamQuery_PingMessageFactory(t *testing.T) {
	release := make(chan struct{})
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := ServerConfig{Stream: StreamOptions{
		PingInterval:       10 * time.Millisecond,
		PingMessageFactory: func() sse.Event { return sse.Event{Event: "ping", Data: "{}"} },
	}}
	srv := newTestServer(t, cfg, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasPrefix(line, "event: ping") {
		t.Errorf("custom heartbeat expected, got %q", line)
	}
	close(release)
	io.Copy(io.Discard, reader)
}

func TestStreamQuery_ExtraHeadersWin(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return nil
	})
	cfg := ServerConfig{Stream: StreamOptions{Headers: http.Header{
		"Cache-Control": []string{"no-store"},
		"X-Bot-Server":  []string{"poe-go"},
	}}}
	srv := newTestServer(t, cfg, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, configured headers take precedence", got)
	}
	if got := resp.Header.Get("X-Bot-Server"); got != "poe-go" {
		t.Errorf("X-Bot-Server = %q", got)
	}
}

func TestStreamQuery_PeerDisconnect(t *testing.T) {
	handlerStopped := make(chan struct{})
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		defer close(handlerStopped)
		if err := w.Send(TextResponse("first")); err != nil {
			return err
		}
		// Keep sending until the disconnect cancels the stream context.
		for {
			if err := w.Send(TextResponse("more")); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	payload := `{"version":"1.0","type":"query","query":[{"role":"user","content":"hi"}],"message_id":"m1"}`
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+testAccessKey)

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	cancel()

	select {
	case <-handlerStopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe the disconnect")
	}
}

func TestStreamQuery_ShutdownTrailer(t *testing.T) {
	started := make(chan struct{})
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		if err := w.Send(TextResponse("first")); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	<-started
	srv.NotifyShutdown()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(body), "error sse write timeout") {
		t.Errorf("shutdown should write the interruption record: %q", body)
	}
	if strings.Contains(string(body), "event: done") {
		t.Errorf("interrupted streams must not claim completion: %q", body)
	}
}

// stallingConn simulates a connection whose writes time out whenever a
// write deadline is armed, and accepts writes once it is cleared.
type stallingConn struct {
	header http.Header
	buf    strings.Builder
	armed  bool
}

func (c *stallingConn) Header() http.Header {
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c.header
}

func (c *stallingConn) WriteHeader(int) {}

func (c *stallingConn) Write(p []byte) (int, error) {
	if c.armed {
		return 0, os.ErrDeadlineExceeded
	}
	return c.buf.Write(p)
}

func (c *stallingConn) SetWriteDeadline(deadline time.Time) error {
	c.armed = !deadline.IsZero()
	return nil
}

func (c *stallingConn) FlushError() error { return nil }

func TestStreamQuery_SendTimeoutTrailer(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return w.Send(TextResponse("hi"))
	})
	srv := newTestServer(t, ServerConfig{Stream: StreamOptions{
		SendTimeout:  20 * time.Millisecond,
		PingInterval: time.Hour,
	}}, bot)

	conn := &stallingConn{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	srv.streamQuery(conn, req, bot, &QueryRequest{MessageID: "m1"})

	body := conn.buf.String()
	if !strings.Contains(body, "error sse write timeout") {
		t.Errorf("timed-out stream should write the interruption record: %q", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("interrupted streams must not claim completion: %q", body)
	}
	if strings.Contains(body, "hi") {
		t.Errorf("the stalled event must not reach the wire: %q", body)
	}
}

func TestStreamQuery_AttachmentDrainFailure(t *testing.T) {
	uploads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage offline", http.StatusBadGateway)
	}))
	defer uploads.Close()

	bot := newFuncBot(nil)
	bot.uploadURL = uploads.URL
	bot.handle = func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		bot.ScheduleMessageAttachment(ctx, UploadRequest{
			MessageID:   req.MessageID,
			DownloadURL: "https://example.com/file.pdf",
		})
		return w.Send(TextResponse("uploading"))
	}
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m-drain")
	defer resp.Body.Close()

	events := decodeResponse(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("expected text, error, done; got %+v", events)
	}
	if events[1].Event != "error" || !strings.Contains(events[1].Data, `"allowRetry":false`) {
		t.Errorf("drain failures surface as a terminal error event: %+v", events[1])
	}
	if events[2].Event != "done" {
		t.Errorf("final event = %+v", events[2])
	}
}

func TestStreamQuery_SeparatorOption(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return w.Send(TextResponse("hi"))
	})
	cfg := ServerConfig{Stream: StreamOptions{Separator: sse.SeparatorLF}}
	srv := newTestServer(t, cfg, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := "event: text\ndata: {\"text\":\"hi\"}\n\n" +
		"event: done\ndata: {}\n\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestStreamQuery_DataSender(t *testing.T) {
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		return w.Send(TextResponse("handler"))
	})
	cfg := ServerConfig{Stream: StreamOptions{
		DataSender: func(ctx context.Context, w *EventWriter) error {
			return w.SendEvent(sse.Event{Event: "json", Data: `{"source":"sender"}`})
		},
	}}
	srv := newTestServer(t, cfg, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := queryBody(t, ts, "m1")
	defer resp.Body.Close()

	events := decodeResponse(t, resp.Body)
	names := make(map[string]int)
	for _, ev := range events {
		names[ev.Event]++
	}
	if names["text"] != 1 || names["json"] != 1 || names["done"] != 1 {
		t.Errorf("expected handler and sender events plus done, got %+v", events)
	}
	if events[len(events)-1].Event != "done" {
		t.Errorf("done must be last, got %+v", events)
	}
}

func TestStreamQuery_AttachmentPreprocessing(t *testing.T) {
	seen := make(chan int, 1)
	bot := newFuncBot(func(ctx context.Context, req *QueryRequest, w *EventWriter) error {
		seen <- len(req.Query)
		return w.Send(TextResponse("ok"))
	})
	srv := newTestServer(t, ServerConfig{}, bot)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := postJSON(t, ts, "/", testAccessKey, map[string]any{
		"version":    ProtocolVersion,
		"type":       RequestTypeQuery,
		"message_id": "m1",
		"query": []map[string]any{{
			"role":    "user",
			"content": "summarize this",
			"attachments": []map[string]any{{
				"url":            "https://example.com/notes.txt",
				"content_type":   "text/plain",
				"name":           "notes.txt",
				"parsed_content": "meeting notes",
			}},
		}},
	})
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if got := <-seen; got != 2 {
		t.Errorf("attachment content should be inserted as its own message, query length = %d", got)
	}
}

func decodeResponse(t *testing.T, body io.Reader) []*sse.Event {
	t.Helper()
	dec := sse.NewDecoder(body)
	var events []*sse.Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		events = append(events, ev)
	}
}

func TestResponseToEvent_ErrorVariant(t *testing.T) {
	event, err := responseToEvent(ErrorEvent("try later", "server_overloaded"))
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if event.Event != "error" {
		t.Errorf("event = %q", event.Event)
	}
	want := `{"allowRetry":true,"errorType":"server_overloaded","text":"try later"}`
	if event.Data != want {
		t.Errorf("data = %q, want %q", event.Data, want)
	}
}

func TestPingEventDefaultFormat(t *testing.T) {
	ev := pingEvent(nil)
	if ev.Comment == "" || ev.Event != "" {
		t.Fatalf("default heartbeat is a comment record: %+v", ev)
	}
	stamp := strings.TrimPrefix(ev.Comment, "ping - ")
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		t.Errorf("heartbeat timestamp %q is not RFC3339: %v", stamp, err)
	}
}
