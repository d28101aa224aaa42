package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fernwick/timeledger/internal/ledger/broadcast"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type subscribePayload struct {
	OwnerGUID string `json:"owner_guid,omitempty"`
}

type subscribedPayload struct {
	OwnerGUID  string `json:"owner_guid"`
	ServerTime string `json:"server_time"`
}

type changedPayload struct {
	Kind    string   `json:"kind"`
	TaskIDs []string `json:"task_ids"`
	Dates   []string `json:"dates"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsOwnerIDContextKey struct{}

func newWSHandler(feed *broadcast.Broadcaster, verifier *Verifier) http.HandlerFunc {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, feed, verifier)
	})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if feed == nil {
			http.Error(w, "change feed is not configured", http.StatusServiceUnavailable)
			return
		}

		if verifier != nil {
			token := tokenFromRequest(r)
			if token == "" {
				log.Printf("ledger: websocket unauthorized: missing token for remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ownerID, err := verifier.OwnerID(token)
			if err != nil {
				log.Printf("ledger: websocket unauthorized: remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(contextWithWSOwnerID(r.Context(), ownerID))
		}

		wsHandler.ServeHTTP(w, r)
	}
}

func handleWSConn(conn *websocket.Conn, feed *broadcast.Broadcaster, verifier *Verifier) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	tokenOwnerID := ""
	if request := conn.Request(); request != nil {
		tokenOwnerID = wsOwnerIDFromContext(request.Context())
	}

	var mu sync.Mutex
	var current *broadcast.Subscription
	defer func() {
		mu.Lock()
		if current != nil {
			current.Close()
		}
		mu.Unlock()
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "tasks.subscribe":
			handleSubscribeFrame(peer, feed, verifier, tokenOwnerID, frame, &mu, &current)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleSubscribeFrame(peer *wsPeer, feed *broadcast.Broadcaster, verifier *Verifier, tokenOwnerID string, frame wsFrame, mu *sync.Mutex, current **broadcast.Subscription) {
	var payload subscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid subscribe payload")
			return
		}
	}

	ownerID := strings.TrimSpace(payload.OwnerGUID)
	if verifier != nil {
		if ownerID != "" && ownerID != tokenOwnerID {
			_ = writeWSError(peer, frame.RequestID, "FORBIDDEN", "cannot subscribe to another owner's feed")
			return
		}
		ownerID = tokenOwnerID
	}
	if ownerID == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "owner_guid is required")
		return
	}

	sub := feed.Subscribe(ownerID)
	mu.Lock()
	previous := *current
	*current = sub
	mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	go forwardEvents(peer, sub)

	_ = peer.writeFrame(wsFrame{
		Type:      "tasks.subscribed",
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			OwnerGUID:  ownerID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

// forwardEvents pumps one subscription's events onto the socket until the
// subscription is released.
func forwardEvents(peer *wsPeer, sub *broadcast.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case event := <-sub.Events():
			frame := wsFrame{
				Type: "tasks.changed",
				Payload: mustJSON(changedPayload{
					Kind:    string(event.Kind),
					TaskIDs: event.TaskIDs,
					Dates:   event.Dates,
				}),
			}
			if err := peer.writeFrame(frame); err != nil {
				sub.Close()
				return
			}
		}
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "tasks.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
