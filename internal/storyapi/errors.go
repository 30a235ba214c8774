package storyapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAnalysisFailed   = errors.New("analysis failed")
	ErrGenerationFailed = errors.New("generation failed")

	// ErrInFlight is returned when the same trigger already has a generation outstanding.
	ErrInFlight = errors.New("generation already in progress")
)

// Kind tells apart the ways a backend call can fail.
type Kind int

const (
	// KindService means the service answered with an explicit error payload.
	KindService Kind = iota + 1
	// KindUnavailable covers transport errors, missing endpoints and non-JSON replies.
	KindUnavailable
	// KindMalformed means the reply parsed but lacked the expected structure.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	}
	return "unknown"
}

// Failure is the error returned by AnalysisClient and GenerationClient.
type Failure struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Op)
	b.WriteString(": ")
	b.WriteString(f.Kind.String())
	if f.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", f.Status)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	sentinel := ErrGenerationFailed
	if f.Op == opAnalyze {
		sentinel = ErrAnalysisFailed
	}
	if f.Err != nil {
		return []error{sentinel, f.Err}
	}
	return []error{sentinel}
}

const (
	msgGeneric     = "Something went wrong. Please try again."
	msgUnreachable = "We couldn't reach the story service. Please try again."
	msgMalformed   = "We couldn't understand the story service's reply. Please try again."
)

// UserMessage turns a client error into text fit for the page. Service-reported errors keep
// the service's own words so they read differently from a generic failure.
func UserMessage(err error) string {
	if err == nil || errors.Is(err, ErrInFlight) {
		return ""
	}
	var f *Failure
	if !errors.As(err, &f) {
		return msgGeneric
	}
	switch f.Kind {
	case KindService:
		if f.Message != "" {
			return "The story service said: " + f.Message
		}
		return msgGeneric
	case KindUnavailable:
		if f.Message != "" {
			return f.Message
		}
		return msgUnreachable
	case KindMalformed:
		return msgMalformed
	}
	return msgGeneric
}

// errorPayload reads `{"error": "..."}` or `{"error": {"message": "..."}}`.
func errorPayload(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}
