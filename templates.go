package poe

import (
	"fmt"
	"strings"
)

// Message bodies synthesized from parsed attachment content, so bots without
// native file support still see what the user uploaded.
const (
	textAttachmentTemplate = "Below is the content of %s:\n\n%s"

	urlAttachmentTemplate = "Assume you can access the external URL %s. " +
		"Use its content below in your response:\n\n%s"

	imageAttachmentTemplate = "I have uploaded an image named %s. " +
		"Assume you can see it; its analysis follows:\n\n%s"
)

func renderTextAttachment(att Attachment) (ProtocolMessage, bool) {
	if att.ParsedContent == "" {
		return ProtocolMessage{}, false
	}

	var content string
	switch {
	case att.ContentType == "text/html":
		content = fmt.Sprintf(urlAttachmentTemplate, att.Name, att.ParsedContent)
	case strings.Contains(att.ContentType, "text"):
		content = fmt.Sprintf(textAttachmentTemplate, att.Name, att.ParsedContent)
	default:
		return ProtocolMessage{}, false
	}
	return ProtocolMessage{Role: RoleUser, Content: content}, true
}

func renderImageAttachment(att Attachment) (ProtocolMessage, bool) {
	if att.ParsedContent == "" || !strings.Contains(att.ContentType, "image") {
		return ProtocolMessage{}, false
	}
	content := fmt.Sprintf(imageAttachmentTemplate, att.Name, att.ParsedContent)
	return ProtocolMessage{Role: RoleUser, Content: content}, true
}

// InsertAttachmentMessages expands the final message's parsed attachments
// into standalone user messages inserted just before it: text and URL
// attachments first, then image analyses. Attachments without parsed content
// are left alone.
func InsertAttachmentMessages(req *QueryRequest) {
	if len(req.Query) == 0 {
		return
	}
	last := req.Query[len(req.Query)-1]

	var textMessages, imageMessages []ProtocolMessage
	for _, att := range last.Attachments {
		if msg, ok := renderTextAttachment(att); ok {
			textMessages = append(textMessages, msg)
		} else if msg, ok := renderImageAttachment(att); ok {
			imageMessages = append(imageMessages, msg)
		}
	}
	if len(textMessages) == 0 && len(imageMessages) == 0 {
		return
	}

	rebuilt := make([]ProtocolMessage, 0, len(req.Query)+len(textMessages)+len(imageMessages))
	rebuilt = append(rebuilt, req.Query[:len(req.Query)-1]...)
	rebuilt = append(rebuilt, textMessages...)
	rebuilt = append(rebuilt, imageMessages...)
	rebuilt = append(rebuilt, last)
	req.Query = rebuilt
}

// ConcatAttachmentContent appends the final message's parsed text
// attachments to that message's body. Image attachments are not included.
//
// Deprecated: use InsertAttachmentMessages, which keeps attachment content
// in separate messages.
func ConcatAttachmentContent(req *QueryRequest) {
	if len(req.Query) == 0 {
		return
	}
	last := &req.Query[len(req.Query)-1]

	var body strings.Builder
	body.WriteString(last.Content)
	for _, att := range last.Attachments {
		if msg, ok := renderTextAttachment(att); ok {
			body.WriteString("\n\n")
			body.WriteString(msg.Content)
		}
	}
	last.Content = body.String()
}

// MakePromptAuthorRoleAlternated merges runs of consecutive same-role
// messages into one message each, joining bodies with a blank line and
// combining attachments, for models that require strict role alternation.
func MakePromptAuthorRoleAlternated(messages []ProtocolMessage) []ProtocolMessage {
	merged := make([]ProtocolMessage, 0, len(messages))
	for _, message := range messages {
		if len(merged) == 0 || merged[len(merged)-1].Role != message.Role {
			merged = append(merged, message)
			continue
		}

		prev := &merged[len(merged)-1]
		prev.Content = prev.Content + "\n\n" + message.Content

		combined := make([]Attachment, 0, len(prev.Attachments)+len(message.Attachments))
		combined = append(combined, prev.Attachments...)
		combined = append(combined, message.Attachments...)
		prev.Attachments = dedupeAttachments(combined)
	}
	return merged
}

// dedupeAttachments drops attachments sharing a URL, keeping the first.
func dedupeAttachments(attachments []Attachment) []Attachment {
	if len(attachments) == 0 {
		return attachments
	}
	seen := make(map[string]bool, len(attachments))
	unique := make([]Attachment, 0, len(attachments))
	for _, att := range attachments {
		if seen[att.URL] {
			continue
		}
		seen[att.URL] = true
		unique = append(unique, att)
	}
	return unique
}
