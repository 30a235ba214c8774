package upload

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// MaxFileSize is the largest artwork accepted (5 MiB).
const MaxFileSize int64 = 5 * 1024 * 1024

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// Reason explains why a file was rejected.
type Reason string

const (
	UnsupportedType Reason = "unsupported_type"
	TooLarge        Reason = "too_large"
)

// ValidationError is returned for files that break the type or size policy.
type ValidationError struct {
	Reason   Reason
	MimeType string
	Size     int64
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case TooLarge:
		return fmt.Sprintf("File too large. Maximum size is %s", humanize.IBytes(uint64(MaxFileSize)))
	default:
		return "Please upload a JPG, PNG, or GIF file"
	}
}

// Validate checks the file against the type and size policy. A nil return means Ok.
// The type is checked before the size.
func Validate(f File) error {
	mt := DetectType(f)
	if !allowedTypes[mt] {
		return &ValidationError{Reason: UnsupportedType, MimeType: mt, Size: f.Size}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{Reason: TooLarge, MimeType: mt, Size: f.Size}
	}
	return nil
}

// DetectType returns the normalized MIME type of f. Declared types win; an empty or generic
// declaration falls back to sniffing the leading bytes.
func DetectType(f File) string {
	mt := normalizeType(f.MimeType)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if len(f.Head) == 0 {
		return mt
	}
	return normalizeType(mimetype.Detect(f.Head).String())
}

func normalizeType(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" || mt == "image/pjpeg" {
		return "image/jpeg"
	}
	return mt
}
