package upload

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

type ViolationKind string

const (
	ViolationInvalidType  ViolationKind = "invalid-type"
	ViolationTooLarge     ViolationKind = "too-large"
	ViolationTooSmall     ViolationKind = "too-small"
	ViolationTooManyFiles ViolationKind = "too-many-files"
)

// Validation is the outcome of checking one batch against Limits.
type Validation struct {
	Accepted   []File
	Violations []ViolationKind
}

// Validator splits a batch into accepted files and violations. It must not
// enforce MaxFiles; the manager applies the count against tracked entries.
type Validator func(files []File, limits Limits) Validation

// Validate is the default Validator: it checks type and size of every file.
// Files without a declared content type are sniffed from their payload.
func Validate(files []File, limits Limits) Validation {
	var res Validation
	for _, f := range files {
		kinds := checkFile(f, limits)
		if len(kinds) == 0 {
			res.Accepted = append(res.Accepted, f)
			continue
		}
		res.Violations = append(res.Violations, kinds...)
	}
	return res
}

func checkFile(f File, limits Limits) []ViolationKind {
	var kinds []ViolationKind
	if len(limits.Accept) > 0 && !accepts(limits.Accept, f.Name, contentType(f)) {
		kinds = append(kinds, ViolationInvalidType)
	}
	if limits.MaxSize > 0 && f.Size > limits.MaxSize {
		kinds = append(kinds, ViolationTooLarge)
	}
	if limits.MinSize > 0 && f.Size < limits.MinSize {
		kinds = append(kinds, ViolationTooSmall)
	}
	return kinds
}

func contentType(f File) string {
	if f.ContentType != "" || f.Payload == nil {
		return f.ContentType
	}
	rc, err := f.Payload.Open()
	if err != nil {
		log.Debug().Str("file", f.Name).Err(err).Msg("open payload for sniffing failed")
		return ""
	}
	defer func() { _ = rc.Close() }()
	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		log.Debug().Str("file", f.Name).Err(err).Msg("content sniffing failed")
		return ""
	}
	return mt.String()
}

// accepts follows the semantics of the HTML accept attribute: ".ext"
// matches the file name, "type/*" matches the media type family and
// anything else is compared to the full media type.
func accepts(accept []string, name, mediaType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0]))
	for _, raw := range accept {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case pattern == "":
			continue
		case strings.HasPrefix(pattern, "."):
			if ext == pattern {
				return true
			}
		case strings.HasSuffix(pattern, "/*"):
			if base != "" && strings.HasPrefix(base, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		default:
			if base != "" && mimetype.EqualsAny(base, pattern) {
				return true
			}
		}
	}
	return false
}
