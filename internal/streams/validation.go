package streams

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// DefaultRequiredScheme is the only source scheme accepted unless configured otherwise.
const DefaultRequiredScheme = "rtsp"

// ValidateID accepts only canonical 36-character UUIDs.
func ValidateID(id string) error {
	if len(id) != 36 {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("invalid stream id %q: must be a UUID", id), nil)
	}
	if _, err := uuid.Parse(id); err != nil {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("invalid stream id %q: must be a UUID", id), err)
	}
	return nil
}

// ValidateSourceURI checks that uri parses, uses scheme and names a host.
func ValidateSourceURI(uri, scheme string) error {
	if scheme == "" {
		scheme = DefaultRequiredScheme
	}
	if strings.TrimSpace(uri) == "" {
		return NewStreamError(ErrCodeInvalidParams, "source_uri is required", nil)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return NewStreamError(ErrCodeInvalidParams, "source_uri is not a valid URL", err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("source_uri must use the %s scheme", scheme), nil)
	}
	if u.Hostname() == "" {
		return NewStreamError(ErrCodeInvalidParams, "source_uri must include a host", nil)
	}
	return nil
}

// ValidateConfig checks every field a worker launch depends on.
func ValidateConfig(cfg StreamConfig, scheme string) error {
	if err := ValidateID(cfg.ID); err != nil {
		return err
	}
	return ValidateSourceURI(cfg.SourceURI, scheme)
}
