package task

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vfaronov/httpheader"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// extractFileName derives a filename from the last path segment of a URL,
// percent-decoding it, and falling back to "download" when the result is
// empty, ".", or "/".
func extractFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	decoded, err := url.QueryUnescape(base)
	if err == nil {
		base = decoded
	}
	base = sanitizeFilename(base)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}

// filenameFromDisposition extracts a filename from a Content-Disposition
// header value, supporting both the RFC 5987 filename*= form and the
// plain quoted/unquoted filename= form, via the teacher's header-parsing
// dependency.
func filenameFromDisposition(headerValue string) string {
	if headerValue == "" {
		return ""
	}
	h := http.Header{}
	h.Set("Content-Disposition", headerValue)
	_, name, err := httpheader.ContentDisposition(h)
	if err != nil || name == "" {
		return ""
	}
	return sanitizeFilename(name)
}

// sanitizeFilename strips ANSI escapes and control characters and
// replaces path-hostile characters with underscores, following the same
// rules the browser-facing filename resolver in the teacher's codebase
// applies before writing anything to disk.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = ansiRegex.ReplaceAllString(name, "")

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	replacer := strings.NewReplacer(
		"/", "_", ":", "_", "*", "_", "?", "_",
		`"`, "_", "<", "_", ">", "_", "|", "_",
	)
	return replacer.Replace(name)
}

// resolveConflict returns a filename guaranteed not to collide with an
// existing file in dir, appending " (k)" before the extension (matching
// the original task's exact with-space suffix convention) for the
// smallest k >= 1 that is free.
func resolveConflict(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for k := 1; ; k++ {
		next := fmt.Sprintf("%s (%d)%s", stem, k, ext)
		if _, err := os.Stat(filepath.Join(dir, next)); os.IsNotExist(err) {
			return next
		}
	}
}
