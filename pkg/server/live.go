package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callcore-ai/callcore/pkg/core"
	"github.com/callcore-ai/callcore/pkg/core/pipeline"
)

// Client frames on the live call socket. Binary frames carry one caller
// utterance as raw audio; text frames carry JSON commands.
type liveClientMessage struct {
	Type   string `json:"type"` // turn, end
	Text   string `json:"text,omitempty"`
	Format string `json:"format,omitempty"`
}

type liveTurnResult struct {
	Type        string `json:"type"`
	Transcript  string `json:"transcript"`
	ReplyText   string `json:"reply_text"`
	ReplyAudio  string `json:"reply_audio,omitempty"` // base64
	AudioFormat string `json:"audio_format,omitempty"`
}

// handleLive handles the per-call WebSocket session. The call must already
// exist; each incoming frame is one turn, processed in arrival order, and
// the reply is written back on the same connection.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	if _, ok := s.auth.AuthenticateWebSocket(r); !ok {
		writeJSONError(w, core.NewAuthenticationError("Invalid API key"), requestIDFromContext(r.Context()))
		return
	}

	if !s.rateLimiter.CheckLiveCallLimit(int(s.liveCalls.Load())) {
		writeJSONError(w, core.NewRateLimitError("Too many live calls"), requestIDFromContext(r.Context()))
		return
	}

	if _, err := s.orch.GetStatus(callID); err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.liveCalls.Add(1)
	defer s.liveCalls.Add(-1)

	idleTimeout := s.config.RateLimit.CallIdleTimeout
	if idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}

	s.logger.Info("live call connected", "call_id", callID)

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.liveTurn(r, conn, callID, pipeline.Input{Audio: message})
		case websocket.TextMessage:
			var clientMsg liveClientMessage
			if err := json.Unmarshal(message, &clientMsg); err != nil {
				writeWSError(conn, core.NewInvalidRequestError("Invalid JSON: "+err.Error()))
				continue
			}

			switch clientMsg.Type {
			case "turn":
				if clientMsg.Text == "" {
					writeWSError(conn, core.NewInvalidRequestError("'text' is required for a turn"))
					continue
				}
				s.liveTurn(r, conn, callID, pipeline.Input{Text: clientMsg.Text, Format: clientMsg.Format})
			case "end":
				summary, err := s.orch.EndCall(r.Context(), callID)
				if err != nil {
					writeWSError(conn, normalizeError(err))
					continue
				}
				payload, _ := json.Marshal(map[string]any{
					"type":             "call.ended",
					"call_id":          summary.CallID,
					"duration_seconds": summary.Duration.Seconds(),
					"turns":            summary.Turns,
				})
				_ = conn.WriteMessage(websocket.TextMessage, payload)
				return
			default:
				writeWSError(conn, core.NewInvalidRequestError("Unknown message type: "+clientMsg.Type))
			}
		}
	}
}

func (s *Server) liveTurn(r *http.Request, conn *websocket.Conn, callID string, in pipeline.Input) {
	result, err := s.orch.ProcessTurn(r.Context(), callID, in)
	if err != nil {
		writeWSError(conn, normalizeError(err))
		return
	}

	payload, err := json.Marshal(liveTurnResult{
		Type:        "turn.result",
		Transcript:  result.Transcript,
		ReplyText:   result.ReplyText,
		ReplyAudio:  base64.StdEncoding.EncodeToString(result.ReplyAudio),
		AudioFormat: result.AudioFormat,
	})
	if err != nil {
		writeWSError(conn, core.NewInternalError(err.Error()))
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func writeWSError(conn *websocket.Conn, err *core.Error) {
	if err == nil {
		err = core.NewInternalError("unknown error")
	}
	payload, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": err,
	})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
