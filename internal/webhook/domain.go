package webhook

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
)

const (
	HeaderAPSignature     = "X-AP-Signature"
	HeaderEventID         = "X-Event-Id"
	HeaderEventTimestamp  = "X-Event-Timestamp"
	HeaderScradaSignature = "X-Scrada-Signature"

	ScradaStatusUpdateTopic = "peppolOutboundDocument/statusUpdate"

	// MaxEventAge bounds the clock skew accepted on X-Event-Timestamp.
	MaxEventAge = 5 * time.Minute
)

var (
	ErrMissingEventID        = errors.New("missing_event_id")
	ErrInvalidEventTimestamp = errors.New("invalid_event_timestamp")
	ErrStaleEvent            = errors.New("stale_event")
	ErrInvalidJSON           = errors.New("invalid_json")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrMissingDocumentID     = errors.New("missing_document_id")
	ErrMissingStatus         = errors.New("missing_status")
	ErrStatusUpdate          = errors.New("failed_to_update_status")
	ErrArchive               = errors.New("failed_to_archive")
)

// Ack is the response body returned to the sender.
type Ack struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Unmatched bool   `json:"unmatched,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
	Status    string `json:"status,omitempty"`
}

// PayloadError carries field-level validation failures.
type PayloadError struct {
	Issues []storage.ValidationIssue
}

func (e *PayloadError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Path+" "+issue.Msg)
	}
	return "invalid_payload: " + strings.Join(parts, ", ")
}

func (e *PayloadError) Unwrap() error { return ErrInvalidPayload }

func payloadError(err error) error {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return ErrInvalidPayload
	}
	issues := make([]storage.ValidationIssue, 0, len(ve))
	for _, fe := range ve {
		issues = append(issues, storage.ValidationIssue{Path: fe.Field(), Msg: "failed " + fe.Tag()})
	}
	return &PayloadError{Issues: issues}
}

// NewValidator returns the validator used for webhook payloads. Field names in
// errors follow the json tags.
func NewValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseEventTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func ParseEventTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidEventTimestamp
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if len(raw) <= 10 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidEventTimestamp
}
