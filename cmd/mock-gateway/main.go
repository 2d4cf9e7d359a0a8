// mock-gateway is a local stand-in for the WhatsApp API. It accepts sends,
// hands back generated message ids, and a bit later replays signed status
// callbacks (and optionally a canned reply) against the webhook service.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"followup/internal/gateway/whatsapp"
)

type config struct {
	Port          string `envconfig:"PORT" default:"8081"`
	WebhookURL    string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookSecret string `envconfig:"MOCK_WEBHOOK_SECRET" default:""`

	// trajectory of statuses replayed after a send, comma semantics kept simple
	DelayMs     int     `envconfig:"MOCK_CALLBACK_DELAY_MS" default:"500"`
	FailureRate float64 `envconfig:"MOCK_FAILURE_RATE" default:"0"`
	// reply sent back after "read" to exercise the inbound path
	AutoReply string `envconfig:"MOCK_AUTO_REPLY" default:""`
}

type server struct {
	cfg    config
	seq    uint64
	client *http.Client

	mu       sync.Mutex
	statuses map[string]string // message id -> last replayed status
}

type sendRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type callback struct {
	MessageID    string `json:"messageId"`
	Status       string `json:"status,omitempty"`
	From         string `json:"from,omitempty"`
	Body         string `json:"body,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:      cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		statuses: make(map[string]string),
	}

	r := mux.NewRouter()
	r.HandleFunc("/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", s.handleStatus).Methods(http.MethodGet)

	slog.Info("mock gateway listening", "port", cfg.Port, "webhook", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("mock gateway failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"code":"bad_request","message":"invalid body"}}`, http.StatusBadRequest)
		return
	}

	id := fmt.Sprintf("wamid.mock.%d.%d", time.Now().UnixNano(), atomic.AddUint64(&s.seq, 1))
	s.setStatus(id, "accepted")

	if rand.Float64() < s.cfg.FailureRate {
		go s.replay(id, req.To, []string{"failed"})
	} else {
		go s.replay(id, req.To, []string{"sent", "delivered", "read"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"messages": []map[string]string{{"id": id}},
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	status, ok := s.statuses[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":{"code":"not_found","message":"unknown message"}}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": status})
}

func (s *server) setStatus(id, status string) {
	s.mu.Lock()
	s.statuses[id] = status
	s.mu.Unlock()
}

// replay walks a message through its status trajectory, posting a signed
// callback for each step, then fires the optional auto-reply.
func (s *server) replay(id, to string, statuses []string) {
	delay := time.Duration(s.cfg.DelayMs) * time.Millisecond
	for _, status := range statuses {
		time.Sleep(delay)
		s.setStatus(id, status)
		cb := callback{MessageID: id, Status: status}
		if status == "failed" {
			cb.ErrorCode = "131026"
			cb.ErrorMessage = "message undeliverable"
		}
		s.post(cb)
	}
	if s.cfg.AutoReply != "" && len(statuses) > 0 && statuses[len(statuses)-1] == "read" {
		time.Sleep(delay)
		s.post(callback{
			MessageID: fmt.Sprintf("wamid.mock.reply.%d", atomic.AddUint64(&s.seq, 1)),
			From:      to,
			Body:      s.cfg.AutoReply,
		})
	}
}

func (s *server) post(cb callback) {
	if s.cfg.WebhookURL == "" {
		return
	}
	body, _ := json.Marshal(cb)
	req, err := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("mock callback build failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Signature", whatsapp.Signature(s.cfg.WebhookSecret, s.cfg.WebhookURL, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("mock callback failed", "err", err, "messageId", cb.MessageID)
		return
	}
	resp.Body.Close()
	slog.Info("mock callback delivered",
		"messageId", cb.MessageID,
		"status", cb.Status,
		"http", resp.StatusCode,
	)
}
