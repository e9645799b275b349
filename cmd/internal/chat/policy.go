package chat

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Limits.
const (
	MaxTextChars  = 4000
	MaxImageBytes = 5 << 20
	MaxFileBytes  = 10 << 20

	maxFileNameChars = 255
)

// Placeholders stored as the last-message summary for attachment messages.
const (
	ImagePlaceholder = "[Ảnh]"
	FilePlaceholder  = "[File]"
)

var imageMIMEs = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/jpg":  {},
	"image/gif":  {},
	"image/webp": {},
}

// Attachment is a binary uploaded with an image or file message.
// ContentType is the client-declared type; the stored type is sniffed from Data.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Draft is the caller input for a new message.
// Type may be empty when an attachment is present; it is then inferred.
type Draft struct {
	Type       MessageType
	Content    string
	Attachment *Attachment
}

// normalizeDraft validates a draft and returns the effective type plus the
// sniffed content type for attachments.
func normalizeDraft(op string, d Draft) (Draft, string, error) {
	if d.Type == "" {
		d.Type = MessageText
		if d.Attachment != nil {
			d.Type = MessageFile
			if isImageMIME(sniff(d.Attachment)) {
				d.Type = MessageImage
			}
		}
	}
	if !d.Type.Valid() {
		return Draft{}, "", opErr(op, ErrValidation, fmt.Sprintf("unknown message type %q", d.Type))
	}

	if !d.Type.HasAttachment() {
		if d.Attachment != nil {
			return Draft{}, "", opErr(op, ErrValidation, "attachment not allowed for "+string(d.Type))
		}
		d.Content = strings.TrimSpace(d.Content)
		if d.Content == "" {
			return Draft{}, "", opErr(op, ErrValidation, "empty content")
		}
		if utf8.RuneCountInString(d.Content) > MaxTextChars {
			return Draft{}, "", opErr(op, ErrValidation, fmt.Sprintf("content too long: max=%d chars", MaxTextChars))
		}
		if d.Type == MessageLink {
			u, err := url.Parse(d.Content)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return Draft{}, "", opErr(op, ErrValidation, "link must be an absolute http(s) URL")
			}
		}
		return d, "", nil
	}

	ct, err := checkAttachment(op, d.Type, d.Attachment)
	if err != nil {
		return Draft{}, "", err
	}
	return d, ct, nil
}

// checkAttachment enforces the size and type policy: images must sniff to a
// whitelisted MIME type and stay under MaxImageBytes; other files under MaxFileBytes.
func checkAttachment(op string, t MessageType, a *Attachment) (string, error) {
	if a == nil || len(a.Data) == 0 {
		return "", opErr(op, ErrValidation, "attachment required for "+string(t))
	}
	name := cleanFileName(a.FileName)
	if name == "" {
		return "", opErr(op, ErrValidation, "attachment file name required")
	}
	a.FileName = name

	ct := sniff(a)
	switch t {
	case MessageImage:
		if !isImageMIME(ct) {
			return "", opErr(op, ErrValidation, fmt.Sprintf("image type %q not allowed", ct))
		}
		if len(a.Data) > MaxImageBytes {
			return "", opErr(op, ErrValidation, fmt.Sprintf("image too large: max=%d bytes", MaxImageBytes))
		}
	default:
		if len(a.Data) > MaxFileBytes {
			return "", opErr(op, ErrValidation, fmt.Sprintf("file too large: max=%d bytes", MaxFileBytes))
		}
	}
	return ct, nil
}

// sniff returns the detected MIME type without parameters. A generic
// detection falls back to the declared type.
func sniff(a *Attachment) string {
	if a == nil {
		return ""
	}
	detected := baseMIME(mimetype.Detect(a.Data).String())
	if detected == "application/octet-stream" || detected == "" {
		if declared := baseMIME(a.ContentType); declared != "" && !isImageMIME(declared) {
			return declared
		}
		return "application/octet-stream"
	}
	return detected
}

func baseMIME(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return mt
}

func isImageMIME(ct string) bool {
	_, ok := imageMIMEs[ct]
	return ok
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	if utf8.RuneCountInString(name) > maxFileNameChars {
		r := []rune(name)
		name = string(r[len(r)-maxFileNameChars:])
	}
	return name
}

// summaryFor returns the last-message preview for a persisted message.
func summaryFor(m Message) string {
	switch m.Type {
	case MessageImage:
		return ImagePlaceholder
	case MessageFile:
		return FilePlaceholder
	default:
		return m.Content
	}
}
