package storage

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "untitled",
		},
		{
			name:     "normal filename",
			input:    "invoice.pdf",
			expected: "invoice.pdf",
		},
		{
			name:     "reserved characters",
			input:    `report<2024>: "draft"/v1.pdf`,
			expected: "report_2024__ _draft__v1.pdf",
		},
		{
			name:     "path separators",
			input:    `..\..\etc\passwd`,
			expected: ".._.._etc_passwd",
		},
		{
			name:     "whitespace runs collapse",
			input:    "quarterly   report\t\tfinal.xlsx",
			expected: "quarterly report final.xlsx",
		},
		{
			name:     "only reserved characters and spaces",
			input:    `  <>:"  `,
			expected: "____",
		},
		{
			name:     "only whitespace",
			input:    "   \t  ",
			expected: "untitled",
		},
		{
			name:     "long name keeps extension",
			input:    strings.Repeat("a", 300) + ".pdf",
			expected: strings.Repeat("a", 251) + ".pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
			if len(result) > 255 {
				t.Errorf("SanitizeFilename(%q) produced a %d-character name", tt.input, len(result))
			}
		})
	}
}

func TestSanitizeFilenameTruncatesOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "two byte runes straddling the limit",
			input:    strings.Repeat("é", 200) + ".pdf",
			expected: strings.Repeat("é", 125) + ".pdf",
		},
		{
			name:     "four byte runes straddling the limit",
			input:    strings.Repeat("\U0001F4C4", 100) + ".txt",
			expected: strings.Repeat("\U0001F4C4", 62) + ".txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
			if !utf8.ValidString(result) {
				t.Errorf("SanitizeFilename(%q) produced invalid UTF-8", tt.input)
			}
			if len(result) > 255 {
				t.Errorf("SanitizeFilename(%q) produced a %d-byte name", tt.input, len(result))
			}
		})
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{
			name:     "zero bytes",
			input:    0,
			expected: "0 B",
		},
		{
			name:     "negative bytes",
			input:    -100,
			expected: "0 B",
		},
		{
			name:     "bytes range",
			input:    512,
			expected: "512 B",
		},
		{
			name:     "largest byte value",
			input:    1023,
			expected: "1023 B",
		},
		{
			name:     "one kilobyte",
			input:    1024,
			expected: "1.00 KB",
		},
		{
			name:     "kilobytes with decimal",
			input:    1536,
			expected: "1.50 KB",
		},
		{
			name:     "one megabyte",
			input:    1048576,
			expected: "1.00 MB",
		},
		{
			name:     "just below a megabyte rounds up a unit",
			input:    1048575,
			expected: "1.00 MB",
		},
		{
			name:     "gigabytes",
			input:    1073741824,
			expected: "1.00 GB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatFileSize(tt.input)
			if result != tt.expected {
				t.Errorf("FormatFileSize(%d) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFileType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "pdf",
			input:    "invoice.PDF",
			expected: "pdf",
		},
		{
			name:     "no extension",
			input:    "README",
			expected: "unknown",
		},
		{
			name:     "trailing dot",
			input:    "archive.",
			expected: "unknown",
		},
		{
			name:     "multiple dots",
			input:    "backup.tar.gz",
			expected: "gz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FileType(tt.input)
			if result != tt.expected {
				t.Errorf("FileType(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestWriteFileReturnsBytesWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	data := []byte("attachment payload")

	n, err := WriteFile(path, data)
	if err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteFile() = %d bytes, expected %d", n, len(data))
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("WriteFile() stored %q, expected %q", got, data)
	}

	// No temp file should survive the rename.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the written file in %q, found %d entries", dir, len(entries))
	}
}

func TestUserDirAndRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	dir, err := store.UserDir(42)
	if err != nil {
		t.Fatalf("UserDir() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("UserDir(42) did not create directory %q", dir)
	}

	path := filepath.Join(dir, "a.txt")
	if _, err := WriteFile(path, []byte("x")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if !store.Exists(path) {
		t.Errorf("Exists(%q) = false after write", path)
	}
	if err := store.Remove(path); err != nil {
		t.Errorf("Remove(%q) error = %v", path, err)
	}
	if err := store.Remove(path); err != nil {
		t.Errorf("Remove(%q) on missing file error = %v, expected nil", path, err)
	}
}

func TestWriteZip(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	second := filepath.Join(dir, "second.txt")
	if err := os.WriteFile(first, []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("beta"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	entries := []ZipEntry{
		{Path: first, Name: "1_first.txt"},
		{Path: filepath.Join(dir, "vanished.txt"), Name: "2_vanished.txt"},
		{Path: second, Name: "3_second.txt"},
	}
	if err := WriteZip(&buf, entries); err != nil {
		t.Fatalf("WriteZip() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := []string{"1_first.txt", "3_second.txt"}
	if len(names) != len(want) {
		t.Fatalf("archive holds %v, expected %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("archive entry %d = %q, expected %q", i, names[i], want[i])
		}
	}
}
