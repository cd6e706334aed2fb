package poe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"

	"github.com/pawaca/poe-go/pool"
)

// AttachmentUploadURL is the platform endpoint bot-side uploads go to.
const AttachmentUploadURL = "https://www.quora.com/poe_api/file_attachment_3RD_PARTY_POST"

// UploadRequest describes one attachment upload. Set DownloadURL to have the
// platform fetch the file, or File with Filename and ContentType to push the
// bytes directly; exactly one of the two forms applies.
type UploadRequest struct {
	// MessageID names the response message the attachment belongs to.
	MessageID Identifier

	// DownloadURL points at a file for the platform to fetch.
	DownloadURL string

	// File carries the raw bytes when pushing directly.
	File        []byte
	Filename    string
	ContentType string

	// IsInline asks for an inline reference usable in markdown.
	IsInline bool
}

// AttachmentUploadResponse is the platform's answer to an upload.
type AttachmentUploadResponse struct {
	InlineRef     string `json:"inline_ref"`
	AttachmentURL string `json:"attachment_url"`
}

// AttachmentTask is one scheduled upload. Wait blocks until it settles.
type AttachmentTask struct {
	done     chan struct{}
	response *AttachmentUploadResponse
	err      error
}

// Wait returns the upload's outcome, or the context error if ctx ends
// first.
func (t *AttachmentTask) Wait(ctx context.Context) (*AttachmentUploadResponse, error) {
	select {
	case <-t.done:
		return t.response, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// attachmentTable tracks the in-flight uploads of each response message so
// the streaming driver can settle them before finishing. Entries never
// outlive the query they belong to.
type attachmentTable struct {
	mu    sync.Mutex
	tasks map[Identifier][]*AttachmentTask
}

func newAttachmentTable() *attachmentTable {
	return &attachmentTable{
		tasks: make(map[Identifier][]*AttachmentTask),
	}
}

func (t *attachmentTable) add(messageID Identifier, task *AttachmentTask) {
	t.mu.Lock()
	t.tasks[messageID] = append(t.tasks[messageID], task)
	t.mu.Unlock()
}

// drain removes the message's entry and waits for its uploads. The first
// failure is returned after every task has settled.
func (t *attachmentTable) drain(ctx context.Context, messageID Identifier) error {
	t.mu.Lock()
	tasks := t.tasks[messageID]
	delete(t.tasks, messageID)
	t.mu.Unlock()

	var firstErr error
	for _, task := range tasks {
		if _, err := task.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PostMessageAttachment uploads an attachment for the given response message
// and waits for the platform's answer.
func (b *BaseBot) PostMessageAttachment(ctx context.Context, req UploadRequest) (*AttachmentUploadResponse, error) {
	return b.ScheduleMessageAttachment(ctx, req).Wait(ctx)
}

// ScheduleMessageAttachment starts an upload without waiting for it. The
// task is recorded against req.MessageID and the streaming driver settles it
// before the query response finishes, so fire-and-forget uploads still
// complete within their response.
func (b *BaseBot) ScheduleMessageAttachment(ctx context.Context, req UploadRequest) *AttachmentTask {
	task := &AttachmentTask{done: make(chan struct{})}
	b.attachments().add(req.MessageID, task)

	go func() {
		defer close(task.done)
		task.response, task.err = b.uploadAttachment(ctx, req)
	}()

	return task
}

func (b *BaseBot) uploadAttachment(ctx context.Context, req UploadRequest) (*AttachmentUploadResponse, error) {
	accessKey := b.BotConfig.accessKey()
	if accessKey == "" {
		return nil, NewAttachmentUploadError("bot has no access key to authorize the upload", nil)
	}

	var httpReq *http.Request
	var err error
	switch {
	case req.DownloadURL != "":
		httpReq, err = b.downloadURLUploadRequest(ctx, req)
	case req.File != nil:
		httpReq, err = b.multipartUploadRequest(ctx, req)
	default:
		return nil, NewAttachmentUploadError("upload needs a download URL or file bytes", nil)
	}
	if err != nil {
		return nil, err
	}

	// The upload endpoint authorizes with the bare access key, no scheme.
	httpReq.Header.Set("Authorization", accessKey)

	resp, err := b.uploadClient().Do(httpReq)
	if err != nil {
		return nil, NewAttachmentUploadError("upload request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewAttachmentUploadError("failed to read upload response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewAttachmentUploadError(fmt.Sprintf("upload returned status %d: %s", resp.StatusCode, body), nil)
	}

	var uploadResp AttachmentUploadResponse
	if err := json.Unmarshal(body, &uploadResp); err != nil {
		return nil, NewAttachmentUploadError("failed to decode upload response", err)
	}
	return &uploadResp, nil
}

func (b *BaseBot) downloadURLUploadRequest(ctx context.Context, req UploadRequest) (*http.Request, error) {
	payload := map[string]any{
		"message_id":   req.MessageID,
		"is_inline":    req.IsInline,
		"download_url": req.DownloadURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewAttachmentUploadError("failed to encode upload request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, NewAttachmentUploadError("failed to create upload request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (b *BaseBot) multipartUploadRequest(ctx context.Context, req UploadRequest) (*http.Request, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
	if req.ContentType != "" {
		header.Set("Content-Type", req.ContentType)
	}

	part, err := writer.CreatePart(header)
	if err == nil {
		_, err = part.Write(req.File)
	}
	if err == nil {
		err = writer.WriteField("message_id", req.MessageID)
	}
	if err == nil {
		err = writer.WriteField("is_inline", strconv.FormatBool(req.IsInline))
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		return nil, NewAttachmentUploadError("failed to build multipart upload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadEndpoint(), &buf)
	if err != nil {
		return nil, NewAttachmentUploadError("failed to create upload request", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	return httpReq, nil
}

func (b *BaseBot) uploadEndpoint() string {
	if b.uploadURL != "" {
		return b.uploadURL
	}
	return AttachmentUploadURL
}

func (b *BaseBot) uploadClient() *http.Client {
	if b.uploadPool != nil {
		return b.uploadPool.GetHTTPClient()
	}
	return pool.Shared().GetHTTPClient()
}
