package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/novaos/core/internal/nova"
)

// Stream event types, in emission order: meta, zero or more thinking and
// token events, then exactly one done or error.
const (
	eventMeta     = "meta"
	eventThinking = "thinking"
	eventToken    = "token"
	eventDone     = "done"
	eventError    = "error"
)

type streamEvent struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Text      string      `json:"text,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer in front; the upgrader
	// accepts what the router admitted.
	CheckOrigin: func(*http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// handleStream is the websocket variant of POST /v1/messages: the client
// sends one messageRequest, the server emits typed events while the pipeline
// runs, and the connection closes after done/error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req messageRequest
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		s.emit(conn, streamEvent{Type: eventError, Payload: apiError{
			Code: CodeInvalidRequest, Message: errorTable[CodeInvalidRequest].message,
		}})
		return
	}

	reqCtx := nova.NewRequestContext(s.requestUser(r), s.clientIP(r))
	if !s.emit(conn, streamEvent{Type: eventMeta, RequestID: reqCtx.RequestID}) {
		return
	}
	s.emit(conn, streamEvent{Type: eventThinking, RequestID: reqCtx.RequestID, Text: "evaluating"})

	outcome := s.orch.Run(r.Context(), reqCtx, req.Message, req.History, req.AckToken, req.AckText)

	if outcome.Status == "error" {
		s.emit(conn, streamEvent{Type: eventError, RequestID: reqCtx.RequestID, Payload: apiError{
			Code:      CodeServiceError,
			Message:   errorTable[CodeServiceError].message,
			RequestID: reqCtx.RequestID,
			Retryable: true,
		}})
		return
	}

	for _, chunk := range chunkText(outcome.Response, 64) {
		if !s.emit(conn, streamEvent{Type: eventToken, RequestID: reqCtx.RequestID, Text: chunk}) {
			return
		}
	}
	s.emit(conn, streamEvent{Type: eventDone, RequestID: reqCtx.RequestID, Payload: outcome})
}

func (s *Server) emit(conn *websocket.Conn, ev streamEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Printf("stream write failed: %v", err)
		return false
	}
	return true
}

// chunkText splits on word boundaries into chunks of at most size runes.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	words := strings.Fields(text)
	var chunks []string
	var cur strings.Builder
	for _, word := range words {
		if cur.Len() > 0 && cur.Len()+1+len(word) > size {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
