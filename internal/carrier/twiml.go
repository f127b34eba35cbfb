package carrier

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Minimal TwiML builder. Only the verbs this service answers with;
// no provider SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// ConnectStreamTwiML renders the answer document that tells the carrier
// to open a bidirectional media stream to the given wss URL.
func ConnectStreamTwiML(streamURL string) (string, error) {
	if streamURL == "" {
		return "", errors.New("carrier: stream url required")
	}
	return render(twimlConnect{Stream: twimlStream{URL: streamURL}})
}

// RejectTwiML renders a busy rejection for calls that fail admission.
func RejectTwiML() (string, error) {
	return render(twimlReject{Reason: "busy"})
}

// HangupTwiML renders an immediate hangup.
func HangupTwiML() (string, error) {
	return render(twimlHangup{})
}

func render(verbs ...any) (string, error) {
	r := twimlResponse{Verbs: verbs}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
