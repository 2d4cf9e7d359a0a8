package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to a WhatsApp-style messaging HTTP API. One instance is built
// at composition time; workers depend on the send/fetch methods only.
type Client struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	HTTP          *http.Client
}

type sendPayload struct {
	To   string      `json:"to"`
	Type string      `json:"type"`
	Text textPayload `json:"text"`
}

type textPayload struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type statusResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Error  *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CallError carries the HTTP status and raw body of a failed provider call so
// callers can classify it as transient or permanent.
type CallError struct {
	Err        error
	HTTPStatus int
	Code       string
	Raw        []byte
}

func (e CallError) Error() string { return e.Err.Error() }
func (e CallError) Unwrap() error { return e.Err }

func (c *Client) baseURL() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if b == "" {
		b = "https://graph.facebook.com/v19.0"
	}
	return b
}

func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	payload, _ := json.Marshal(sendPayload{To: to, Type: "text", Text: textPayload{Body: body}})

	endpoint := c.baseURL() + "/" + c.PhoneNumberID + "/messages"
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "whatsapp send failed"
		code := ""
		if out.Error != nil {
			if out.Error.Message != "" {
				msg = out.Error.Message
			}
			code = out.Error.Code
		}
		return "", CallError{Err: errors.New(msg), HTTPStatus: resp.StatusCode, Code: code, Raw: raw}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", CallError{Err: errors.New("whatsapp send returned no message id"), HTTPStatus: resp.StatusCode, Raw: raw}
	}
	return out.Messages[0].ID, nil
}

// FetchStatus re-queries the provider for the delivery status of a previously
// sent message. Used by the reconciliation worker.
func (c *Client) FetchStatus(ctx context.Context, providerMsgID string) (string, error) {
	endpoint := c.baseURL() + "/messages/" + providerMsgID
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out statusResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "whatsapp status fetch failed"
		code := ""
		if out.Error != nil {
			if out.Error.Message != "" {
				msg = out.Error.Message
			}
			code = out.Error.Code
		}
		return "", CallError{Err: errors.New(msg), HTTPStatus: resp.StatusCode, Code: code, Raw: raw}
	}
	if out.Status == "" {
		return "", CallError{Err: errors.New("whatsapp status fetch returned no status"), HTTPStatus: resp.StatusCode, Raw: raw}
	}
	return out.Status, nil
}

// Retry decision for transient errors
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce CallError
	if errors.As(err, &ce) {
		if ce.HTTPStatus == 429 || ce.HTTPStatus == 408 {
			return true
		}
		if ce.HTTPStatus >= 500 && ce.HTTPStatus <= 599 {
			return true
		}
		return false
	}
	// plain transport errors (conn refused, reset) are worth another tick
	return true
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms approx
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
