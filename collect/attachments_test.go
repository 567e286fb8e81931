package collect

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	gmail "google.golang.org/api/gmail/v1"
)

func encodeBody(payload string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func TestExtractDescriptorsWalksNestedParts(t *testing.T) {
	msg := &gmail.Message{
		Id: "m1",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: encodeBody("body text")},
				},
				{
					Filename: "top.pdf",
					MimeType: "application/pdf",
					Body:     &gmail.MessagePartBody{AttachmentId: "att-1", Size: 100},
				},
				{
					// Forwarded message: the attachment sits two levels down.
					MimeType: "message/rfc822",
					Parts: []*gmail.MessagePart{
						{
							MimeType: "multipart/mixed",
							Parts: []*gmail.MessagePart{
								{
									Filename: "nested.csv",
									Body:     &gmail.MessagePartBody{Data: encodeBody("a,b")},
								},
							},
						},
					},
				},
			},
		},
	}

	descriptors := extractDescriptors(msg)
	if len(descriptors) != 2 {
		t.Fatalf("extractDescriptors() returned %d descriptors, expected 2", len(descriptors))
	}
	if descriptors[0].Filename != "top.pdf" || descriptors[1].Filename != "nested.csv" {
		t.Errorf("descriptor order = %q, %q; expected top.pdf, nested.csv",
			descriptors[0].Filename, descriptors[1].Filename)
	}
	if descriptors[0].Inline() {
		t.Error("referenced attachment reported as inline")
	}
	if descriptors[0].AttachmentID != "att-1" {
		t.Errorf("AttachmentID = %q, expected %q", descriptors[0].AttachmentID, "att-1")
	}
	if !descriptors[1].Inline() {
		t.Error("inline attachment not reported as inline")
	}
	// The nested part declared no MIME type.
	if descriptors[1].MimeType != "application/octet-stream" {
		t.Errorf("MimeType = %q, expected application/octet-stream", descriptors[1].MimeType)
	}
}

func TestExtractDescriptorsSkipsUnusableParts(t *testing.T) {
	msg := &gmail.Message{
		Id: "m1",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{
					// Filename but neither payload nor reference.
					Filename: "ghost.bin",
					Body:     &gmail.MessagePartBody{},
				},
				{
					Filename: "real.txt",
					Body:     &gmail.MessagePartBody{Data: encodeBody("ok")},
				},
			},
		},
	}

	descriptors := extractDescriptors(msg)
	if len(descriptors) != 1 {
		t.Fatalf("extractDescriptors() returned %d descriptors, expected 1", len(descriptors))
	}
	if descriptors[0].Filename != "real.txt" {
		t.Errorf("kept descriptor = %q, expected real.txt", descriptors[0].Filename)
	}
}

func TestExtractDescriptorsEmptyMessage(t *testing.T) {
	if got := extractDescriptors(nil); len(got) != 0 {
		t.Errorf("extractDescriptors(nil) = %v, expected none", got)
	}
	if got := extractDescriptors(&gmail.Message{Id: "m"}); len(got) != 0 {
		t.Errorf("extractDescriptors(no payload) = %v, expected none", got)
	}
}

func TestDecodeBodyToleratesPadding(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "unpadded",
			input:    "aGVsbG8",
			expected: "hello",
		},
		{
			name:     "padded",
			input:    "aGVsbG8=",
			expected: "hello",
		},
		{
			name:     "url-safe alphabet",
			input:    base64.RawURLEncoding.EncodeToString([]byte{0xfb, 0xff, 0xfe}),
			expected: string([]byte{0xfb, 0xff, 0xfe}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBody(tt.input)
			if err != nil {
				t.Fatalf("decodeBody(%q) error = %v", tt.input, err)
			}
			if string(got) != tt.expected {
				t.Errorf("decodeBody(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMaterializeInlineWritesActualBytes(t *testing.T) {
	payload := "the actual attachment body"
	desc := AttachmentDescriptor{
		MessageID:    "m1",
		Filename:     "note.txt",
		Data:         encodeBody(payload),
		DeclaredSize: 9999, // provider lies; written bytes win
	}
	dest := filepath.Join(t.TempDir(), "note.txt")

	client := &Client{}
	n, err := client.Materialize(context.Background(), desc, dest)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if n != len(payload) {
		t.Errorf("Materialize() = %d bytes, expected %d", n, len(payload))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != payload {
		t.Errorf("written file holds %q, expected %q", got, payload)
	}
}

func TestHeadersOf(t *testing.T) {
	msg := &gmail.Message{
		Id:           "m1",
		InternalDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "Subject", Value: "March invoice"},
				{Name: "Date", Value: "Fri, 01 Mar 2024 09:30:00 +0100"},
			},
		},
	}

	h := headersOf(msg)
	if h.From != "Alice <alice@example.com>" {
		t.Errorf("From = %q", h.From)
	}
	if h.Subject != "March invoice" {
		t.Errorf("Subject = %q", h.Subject)
	}
	want := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	if !h.Received.Equal(want) {
		t.Errorf("Received = %v, expected %v", h.Received, want)
	}
}

func TestHeadersOfFallsBackToInternalDate(t *testing.T) {
	internal := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &gmail.Message{
		Id:           "m1",
		InternalDate: internal.UnixMilli(),
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Date", Value: "not a date"},
			},
		},
	}

	h := headersOf(msg)
	if !h.Received.Equal(internal) {
		t.Errorf("Received = %v, expected internal date %v", h.Received, internal)
	}
}
