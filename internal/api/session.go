package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/payload"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/pipeline"
)

const (
	welcomeMessage = "连接成功！欢迎使用SQL AI聊天助手。"
	writeTimeout   = 10 * time.Second
)

// TurnRunner runs one utterance through the pipeline to its final
// frame.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn pipeline.Turn, progress pipeline.ProgressFunc) pipeline.Result
}

// inboundMessage is the JSON envelope clients may send. A frame that is
// not JSON is treated as the bare utterance.
type inboundMessage struct {
	UserInput string `json:"user_input"`
	Message   string `json:"message"`
}

// session serves one websocket connection. The read loop is the
// serialization point: at most one turn is in flight per connection,
// and frames are processed strictly in arrival order.
type session struct {
	id              string
	conn            *websocket.Conn
	turns           TurnRunner
	logger          *slog.Logger
	historyTurns    int
	progressFrames  bool
	maxMessageBytes int
	history         []intent.HistoryEntry
}

func newSession(conn *websocket.Conn, turns TurnRunner, logger *slog.Logger, historyTurns int, progressFrames bool, maxMessageBytes int) *session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &session{
		id:              id,
		conn:            conn,
		turns:           turns,
		logger:          logger.With(slog.String("session_id", id)),
		historyTurns:    historyTurns,
		progressFrames:  progressFrames,
		maxMessageBytes: maxMessageBytes,
	}
}

func (s *session) run(ctx context.Context) {
	observability.SessionOpened()
	defer observability.SessionClosed()
	defer func() { _ = s.conn.Close() }()

	if s.maxMessageBytes > 0 {
		s.conn.SetReadLimit(int64(s.maxMessageBytes))
	}

	if err := s.writeFrame(payload.NewText(welcomeMessage, true)); err != nil {
		s.logger.WarnContext(ctx, "welcome frame write failed", slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "session opened")

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.WarnContext(ctx, "session read failed", slog.String("error", err.Error()))
			} else {
				s.logger.InfoContext(ctx, "session closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			if err := s.writeFrame(payload.NewError(payload.CodeTransportFailure, "仅支持文本消息。")); err != nil {
				return
			}
			continue
		}

		utterance := parseUtterance(data)
		if utterance == "" {
			if err := s.writeFrame(payload.NewError(payload.CodeTransportFailure, "未提供用户输入。")); err != nil {
				return
			}
			continue
		}

		turnCtx := observability.ContextWithTraceID(ctx, uuid.NewString())
		s.logger.InfoContext(turnCtx, "turn received",
			slog.String("trace_id", observability.TraceIDFromContext(turnCtx)),
			slog.Int("utterance_bytes", len(utterance)))

		var progress pipeline.ProgressFunc
		if s.progressFrames {
			progress = func(message string) {
				_ = s.writeFrame(payload.NewText(message, false))
			}
		}

		result := s.turns.RunTurn(turnCtx, pipeline.Turn{Utterance: utterance, History: s.history}, progress)
		if err := s.writeFrame(result.Frame); err != nil {
			s.logger.WarnContext(turnCtx, "result frame write failed", slog.String("error", err.Error()))
			return
		}
		s.appendHistory(utterance, result.Summary)
	}
}

func (s *session) writeFrame(frame any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

// parseUtterance accepts the JSON envelope or a bare text frame.
func parseUtterance(data []byte) string {
	var inbound inboundMessage
	if err := json.Unmarshal(data, &inbound); err == nil {
		if utterance := strings.TrimSpace(inbound.UserInput); utterance != "" {
			return utterance
		}
		return strings.TrimSpace(inbound.Message)
	}
	return strings.TrimSpace(string(data))
}

// appendHistory records the completed turn for classifier and
// synthesizer context, keeping the ring within historyTurns turns.
func (s *session) appendHistory(utterance, summary string) {
	if s.historyTurns <= 0 {
		return
	}
	s.history = append(s.history,
		intent.HistoryEntry{Role: "user", Text: utterance},
		intent.HistoryEntry{Role: "assistant", Text: summary},
	)
	if limit := s.historyTurns * 2; len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}
