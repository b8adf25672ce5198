package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// secureFilename reduces name to a safe base name: path parts dropped,
// whitespace turned into underscores, other unsafe characters removed and
// leading dots stripped. It may return "".
func secureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" || name == "/" {
		return ""
	}
	return name
}

// saveUpload stores the multipart file in field under dir and returns its
// path, or "" when the field is absent or empty. Stored names carry a
// timestamp prefix so two uploads of "photo.jpg" do not clobber each other.
func saveUpload(req *http.Request, field, dir string) (string, error) {
	if req.MultipartForm == nil {
		return "", nil
	}
	f, hdr, err := req.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", field, err)
	}
	defer f.Close()
	if hdr.Filename == "" {
		return "", nil
	}

	name := secureFilename(hdr.Filename)
	if name == "" {
		name = field
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, f); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("save %s: %w", field, err)
	}
	return path, out.Close()
}
