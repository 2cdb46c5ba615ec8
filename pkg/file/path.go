package file

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename replaces characters that are unsafe in filenames with
// underscores.
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// OutputTemplate builds a downloader output path for title inside dir. The
// "%(ext)s" placeholder is resolved by the downloader once it knows the final
// container.
func OutputTemplate(dir, title string) string {
	name := strings.TrimSpace(SanitizeFilename(title))
	if name == "" {
		name = "download"
	}
	return filepath.Join(dir, name+".%(ext)s")
}

// EnsureDir creates dir and its parents if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
