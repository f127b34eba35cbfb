package carrier

import (
	"net/http"
	"strings"
)

// StatusCallbackForm is the subset of the status webhook fields we use.
// The carrier sends application/x-www-form-urlencoded.
type StatusCallbackForm struct {
	CallID       string
	CallStatus   string
	To           string
	From         string
	Duration     string
	ErrorCode    string
	ErrorMessage string
}

// Terminal call statuses as reported on the status callback.
const (
	StatusCompleted = "completed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no-answer"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// TerminalStatus reports whether a callback status means the call is over.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Failure reports whether a terminal status indicates the call never
// completed normally.
func (f StatusCallbackForm) Failure() bool {
	switch f.CallStatus {
	case StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func ParseStatusCallback(r *http.Request) (StatusCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallbackForm{}, err
	}
	return StatusCallbackForm{
		CallID:       strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		Duration:     strings.TrimSpace(r.PostFormValue("CallDuration")),
		ErrorCode:    strings.TrimSpace(r.PostFormValue("ErrorCode")),
		ErrorMessage: strings.TrimSpace(r.PostFormValue("ErrorMessage")),
	}, nil
}

// InboundVoiceForm captures the voice webhook fields for calls that
// dial in to us rather than the other way around.
type InboundVoiceForm struct {
	CallID     string
	From       string
	To         string
	CallerName string
	Direction  string
}

func ParseInboundVoice(r *http.Request) (InboundVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundVoiceForm{}, err
	}
	return InboundVoiceForm{
		CallID:     strings.TrimSpace(r.PostFormValue("CallSid")),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		CallerName: strings.TrimSpace(r.PostFormValue("CallerName")),
		Direction:  strings.TrimSpace(r.PostFormValue("Direction")),
	}, nil
}
