package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const fallbackName = "untitled"

// maxNameLen is the common filesystem limit for a single path component.
const maxNameLen = 255

var reservedChars = regexp.MustCompile(`[<>:"/\\|?*]`)
var whitespaceRuns = regexp.MustCompile(`\s+`)

// SanitizeFilename turns a sender-controlled attachment name into a safe
// storage name. Reserved characters become underscores, whitespace runs
// collapse to a single space, and the base name is truncated so the full
// name including extension never exceeds 255 characters.
func SanitizeFilename(name string) string {
	safe := reservedChars.ReplaceAllString(name, "_")
	safe = whitespaceRuns.ReplaceAllString(safe, " ")
	safe = strings.TrimSpace(safe)
	if safe == "" {
		return fallbackName
	}
	if len(safe) > maxNameLen {
		ext := filepath.Ext(safe)
		if len(ext) >= maxNameLen {
			ext = ""
		}
		base := safe[:len(safe)-len(ext)]
		// Back up to a rune boundary so the cut never leaves a partial
		// multi-byte character.
		cut := maxNameLen - len(ext)
		for cut > 0 && !utf8.RuneStart(base[cut]) {
			cut--
		}
		safe = base[:cut] + ext
	}
	return safe
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatFileSize renders a byte count with base-1024 units and two-decimal
// precision. The unit is re-selected after rounding so a value just below a
// boundary never prints as "1024.00 KB".
func FormatFileSize(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	idx := int(math.Floor(math.Log(float64(size)) / math.Log(1024)))
	if idx >= len(sizeUnits) {
		idx = len(sizeUnits) - 1
	}
	value := float64(size) / math.Pow(1024, float64(idx))
	if math.Round(value*100)/100 >= 1024 && idx < len(sizeUnits)-1 {
		idx++
		value = float64(size) / math.Pow(1024, float64(idx))
	}
	if idx == 0 {
		return fmt.Sprintf("%d B", size)
	}
	return fmt.Sprintf("%.2f %s", value, sizeUnits[idx])
}

// FileType returns the lowercased extension without the dot, or "unknown"
// when the name has none.
func FileType(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}

// Store manages per-user attachment directories under a single root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment root %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// UserDir returns the directory for a user's attachments, creating it if
// needed.
func (s *Store) UserDir(userID int) (string, error) {
	dir := filepath.Join(s.root, strconv.Itoa(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create user directory %q: %w", dir, err)
	}
	return dir, nil
}

func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a stored file. Missing files are not an error so record
// deletion can proceed.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", path, err)
	}
	return nil
}

// RemoveUserDir removes a user's directory and everything in it. Best
// effort; records are deleted separately and are authoritative.
func (s *Store) RemoveUserDir(userID int) {
	_ = os.RemoveAll(filepath.Join(s.root, strconv.Itoa(userID)))
}

// WriteFile writes data to path atomically: the bytes land in a temp file in
// the same directory and are renamed into place only after a successful
// write, so a torn write never leaves a partial attachment behind.
func WriteFile(path string, data []byte) (int, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file in %q: %w", dir, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := tmp.Write(data)
	if err != nil {
		return 0, fmt.Errorf("failed to write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	return n, nil
}

// ZipEntry pairs a stored file with the name it should carry inside an
// archive.
type ZipEntry struct {
	Path string
	Name string
}

// WriteZip streams the given files as a ZIP archive. Files that vanished
// since their records were read are skipped.
func WriteZip(w io.Writer, entries []ZipEntry) error {
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		f, err := os.Open(entry.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			zw.Close()
			return fmt.Errorf("failed to open %q: %w", entry.Path, err)
		}
		dst, err := zw.Create(entry.Name)
		if err != nil {
			f.Close()
			zw.Close()
			return fmt.Errorf("failed to add %q to archive: %w", entry.Name, err)
		}
		if _, err := io.Copy(dst, f); err != nil {
			f.Close()
			zw.Close()
			return fmt.Errorf("failed to copy %q into archive: %w", entry.Path, err)
		}
		f.Close()
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}
