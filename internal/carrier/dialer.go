package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicebridge/internal/config"
)

var ErrDialFailed = errors.New("carrier: dial failed")

// DialRequest describes one outbound call placement.
type DialRequest struct {
	To    string
	TwiML string

	// StatusCallbackURL, when set, asks the carrier to POST lifecycle
	// updates (ringing, answered, completed) back to us.
	StatusCallbackURL string
}

// DialResult is the carrier's acknowledgement of an accepted dial.
type DialResult struct {
	CallID string
	Status string
}

// Dialer places outbound calls through the carrier REST API. The API
// is a plain form POST with basic auth, so we talk to it with net/http
// rather than dragging in a provider SDK.
type Dialer struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

func NewDialer(cfg config.CarrierConfig) *Dialer {
	return &Dialer{
		baseURL:    strings.TrimSuffix(cfg.APIBaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Dial places the call and returns the carrier-assigned call ID. A non-2xx
// response or transport failure wraps ErrDialFailed; admission has already
// passed by the time we get here, so the caller marks the session failed.
func (d *Dialer) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if req.To == "" || req.TwiML == "" {
		return DialResult{}, fmt.Errorf("%w: destination and twiml required", ErrDialFailed)
	}

	form := url.Values{}
	form.Set("From", d.from)
	form.Set("To", req.To)
	form.Set("Twiml", req.TwiML)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
		form.Set("StatusCallbackMethod", "POST")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", d.baseURL, d.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return DialResult{}, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return DialResult{}, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DialResult{}, fmt.Errorf("%w: read response: %v", ErrDialFailed, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return DialResult{}, fmt.Errorf("%w: carrier returned %d: %s", ErrDialFailed, resp.StatusCode, truncate(body, 256))
	}

	var out struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return DialResult{}, fmt.Errorf("%w: parse response: %v", ErrDialFailed, err)
	}
	if out.Sid == "" {
		return DialResult{}, fmt.Errorf("%w: response missing call sid", ErrDialFailed)
	}
	return DialResult{CallID: out.Sid, Status: out.Status}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
