package collect

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/vishnu0414/email-attachment-download/storage"
)

// AttachmentDescriptor describes one attachment found in a message part.
// Exactly one of Data (inline base64url payload) or AttachmentID (requires a
// follow-up fetch) is set.
type AttachmentDescriptor struct {
	MessageID    string
	AttachmentID string
	Filename     string
	MimeType     string
	DeclaredSize int64
	Data         string
}

// Inline reports whether the payload is already embedded in the descriptor.
func (d AttachmentDescriptor) Inline() bool {
	return d.Data != ""
}

// Attachments fetches the full message structure and walks its part tree,
// yielding a descriptor for every part that carries a filename. The walk
// recurses through nested multipart containers, so attachments inside
// forwarded or signed messages are found too. Descriptor order follows part
// order.
func (c *Client) Attachments(ctx context.Context, ref MessageRef) ([]AttachmentDescriptor, error) {
	msg, err := c.GetMessage(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	return extractDescriptors(msg), nil
}

func extractDescriptors(msg *gmail.Message) []AttachmentDescriptor {
	if msg == nil || msg.Payload == nil {
		return nil
	}
	descriptors := []AttachmentDescriptor{}
	walkParts(msg.Payload, func(part *gmail.MessagePart) {
		if part.Filename == "" {
			return
		}
		desc := AttachmentDescriptor{
			MessageID: msg.Id,
			Filename:  part.Filename,
			MimeType:  part.MimeType,
		}
		if desc.MimeType == "" {
			desc.MimeType = "application/octet-stream"
		}
		if part.Body != nil {
			desc.DeclaredSize = part.Body.Size
			desc.Data = part.Body.Data
			desc.AttachmentID = part.Body.AttachmentId
		}
		// A part with neither an inline payload nor a fetchable
		// reference cannot be materialized.
		if desc.Data == "" && desc.AttachmentID == "" {
			slog.Warn("Skipping attachment part with no payload or reference",
				"message_id", msg.Id,
				"filename", part.Filename)
			return
		}
		descriptors = append(descriptors, desc)
	})
	return descriptors
}

// walkParts visits every leaf of the part tree in order. A part with
// children is a multipart container; a part without children is a
// candidate attachment.
func walkParts(part *gmail.MessagePart, visit func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	if len(part.Parts) == 0 {
		visit(part)
		return
	}
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

// Materialize resolves a descriptor into raw bytes and writes them to
// destPath. Referenced payloads are fetched with one extra call. The
// returned count is the number of bytes actually written, which is the
// authoritative size; the provider's declared size is advisory only.
func (c *Client) Materialize(ctx context.Context, desc AttachmentDescriptor, destPath string) (int, error) {
	data := desc.Data
	if data == "" {
		if desc.AttachmentID == "" {
			return 0, fmt.Errorf("attachment %s has no payload or reference", desc.Filename)
		}
		if err := c.throttler.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter error: %w", err)
		}
		body, err := c.service.Users.Messages.Attachments.Get("me", desc.MessageID, desc.AttachmentID).Context(ctx).Do()
		if err != nil {
			return 0, fmt.Errorf("failed to fetch attachment %s of message %s: %w",
				desc.AttachmentID, desc.MessageID, err)
		}
		data = body.Data
	}

	decoded, err := decodeBody(data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode attachment %s: %w", desc.Filename, err)
	}
	n, err := storage.WriteFile(destPath, decoded)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// decodeBody decodes Gmail's URL-safe base64 payloads, which arrive without
// padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// MessageHeaders carries the headers the downloader records alongside an
// attachment.
type MessageHeaders struct {
	From     string
	Subject  string
	Received time.Time
}

func headersOf(msg *gmail.Message) MessageHeaders {
	h := MessageHeaders{}
	if msg == nil || msg.Payload == nil {
		return h
	}
	var dateHeader string
	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "From":
			h.From = header.Value
		case "Subject":
			h.Subject = header.Value
		case "Date":
			dateHeader = header.Value
		}
	}
	if dateHeader != "" {
		if parsed, err := mail.ParseDate(dateHeader); err == nil {
			h.Received = parsed.UTC()
		}
	}
	if h.Received.IsZero() && msg.InternalDate > 0 {
		h.Received = time.Unix(msg.InternalDate/1000, 0).UTC()
	}
	return h
}
