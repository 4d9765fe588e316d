// Package artifact stores rendered fiscal documents and hands out their URLs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

// Store persists document PDFs by path. Put overwrites an existing object at
// the same path, so a retried upload for the same document is harmless.
type Store interface {
	Put(ctx context.Context, path, contentType string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	URL(path string) string
}

var (
	ErrNotFound    = errors.New("artifact_not_found")
	ErrInvalidPath = errors.New("invalid_artifact_path")
	ErrEmptyObject = errors.New("empty_artifact")
)

const ContentTypePDF = "application/pdf"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path is the deterministic object path for a document PDF: {org}/{sale}/{code}-{number}.pdf.
func Path(orgID, saleID snowflake.ID, code, number string) string {
	return fmt.Sprintf("%s/%s/%s-%s.pdf", orgID.String(), saleID.String(), segment(code), segment(number))
}

func segment(value string) string {
	cleaned := strings.Trim(unsafeSegment.ReplaceAllString(strings.TrimSpace(value), "_"), "._")
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// FileName is the download name offered to clients for a stored path.
func FileName(objectPath string) string {
	base := strings.TrimSuffix(path.Base(objectPath), ".pdf")
	name := slug.Make(base)
	if name == "" {
		name = "document"
	}
	return name + ".pdf"
}

// OrgOf returns the organization segment of a stored path.
func OrgOf(path string) (snowflake.ID, error) {
	path = strings.TrimPrefix(path, "/")
	head, _, ok := strings.Cut(path, "/")
	if !ok {
		return 0, ErrInvalidPath
	}
	id, err := snowflake.ParseString(head)
	if err != nil || id == 0 {
		return 0, ErrInvalidPath
	}
	return id, nil
}

func validatePath(path string) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" || strings.Contains(path, "\\") {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidPath
		}
	}
	return path, nil
}

func joinURL(baseURL, path string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	return baseURL + "/" + strings.TrimPrefix(path, "/")
}
