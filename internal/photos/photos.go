package photos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"holderbot/internal/domain"
	"holderbot/internal/httpx"
)

var ErrNoPhotoURL = errors.New("holder has no photo url")

var knownExts = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// Fetcher stores holder photos as <Dir>/holder_<id>.<ext>.
type Fetcher struct {
	Dir     string
	Refresh bool
}

func NewFetcher(dir string, refresh bool) *Fetcher {
	return &Fetcher{Dir: dir, Refresh: refresh}
}

// Fetch returns the local path of the holder photo, downloading it when
// it is not on disk yet.
func (f *Fetcher) Fetch(ctx context.Context, h domain.Holder) (string, error) {
	if !f.Refresh {
		if existing := f.existing(h.ID); existing != "" {
			return existing, nil
		}
	}
	rawURL := strings.TrimSpace(h.PhotoURL)
	if rawURL == "" {
		return "", ErrNoPhotoURL
	}
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return "", fmt.Errorf("create photo dir: %w", err)
	}

	body, contentType, err := httpx.GetBytes(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("download photo for holder %s: %w", h.ID, err)
	}
	dest := filepath.Join(f.Dir, fileBase(h.ID)+extensionFor(rawURL, contentType, body))
	if err := os.WriteFile(dest, body, 0644); err != nil {
		return "", fmt.Errorf("write photo: %w", err)
	}
	log.Printf("photos downloaded holder=%s bytes=%d path=%s", h.ID, len(body), dest)
	return dest, nil
}

func (f *Fetcher) existing(holderID string) string {
	base := filepath.Join(f.Dir, fileBase(holderID))
	for _, ext := range knownExts {
		if info, err := os.Stat(base + ext); err == nil && info.Size() > 0 {
			return base + ext
		}
	}
	return ""
}

func fileBase(holderID string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, strings.TrimSpace(holderID))
	return "holder_" + safe
}

func extensionFor(rawURL, contentType string, body []byte) string {
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		for _, known := range knownExts {
			if ext == known {
				return ext
			}
		}
	}
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(body)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		case "image/gif":
			return ".gif"
		}
	}
	return ".jpg"
}

// ReadImage loads a stored photo and sniffs its media type.
func ReadImage(p string) ([]byte, string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, "", fmt.Errorf("read photo: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("photo %s is empty", p)
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, "", fmt.Errorf("photo %s is not an image (%s)", p, mediaType)
	}
	return data, mediaType, nil
}
