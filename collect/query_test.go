package collect

import (
	"testing"
	"time"
)

func TestSearchFilterQuery(t *testing.T) {
	tests := []struct {
		name     string
		filter   SearchFilter
		expected string
	}{
		{
			name:     "empty filter",
			filter:   SearchFilter{},
			expected: "",
		},
		{
			name:     "default filter",
			filter:   DefaultFilter(),
			expected: "has:attachment",
		},
		{
			name: "sender only",
			filter: SearchFilter{
				HasAttachment: true,
				Sender:        "a@b.com",
			},
			expected: "has:attachment from:a@b.com",
		},
		{
			name: "subject is quoted",
			filter: SearchFilter{
				HasAttachment: true,
				Subject:       "quarterly report",
			},
			expected: `has:attachment subject:"quarterly report"`,
		},
		{
			name: "date range",
			filter: SearchFilter{
				HasAttachment: true,
				After:         time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				Before:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			},
			expected: "has:attachment after:2024/01/15 before:2024/02/01",
		},
		{
			name: "all clauses in fixed order",
			filter: SearchFilter{
				HasAttachment: true,
				Sender:        "billing@example.com",
				Subject:       "invoice",
				After:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Before:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
				Filename:      "pdf",
			},
			expected: `has:attachment from:billing@example.com subject:"invoice" after:2024/01/01 before:2024/12/31 filename:pdf`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.filter.Query()
			if result != tt.expected {
				t.Errorf("Query() = %q, expected %q", result, tt.expected)
			}
		})
	}
}
