package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"paperchat/internal/app"
	"paperchat/internal/transport/http/response"
)

type MessageHandler struct {
	chatService *app.ChatService
}

type SendMessageRequest struct {
	DocumentID uint   `json:"document_id" binding:"required,gt=0"`
	Message    string `json:"message" binding:"required"`
}

func NewMessageHandler(chatService *app.ChatService) *MessageHandler {
	return &MessageHandler{chatService: chatService}
}

func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.chatService.Ask(c.Request.Context(), app.AskInput{
		UserID:     userID,
		DocumentID: req.DocumentID,
		Question:   req.Message,
	})
	if err != nil {
		h.writeAskError(c, err)
		return
	}

	response.OK(c, result)
}

// Stream relays completion tokens over SSE as they arrive. SSE headers are
// committed lazily on the first chunk, so errors raised before anything has
// been streamed still map to regular HTTP statuses; only failures after
// streaming has begun fall back to an SSE error event.
func (h *MessageHandler) Stream(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	streaming := false
	full, err := h.chatService.StreamAnswer(c.Request.Context(), app.AskInput{
		UserID:     userID,
		DocumentID: req.DocumentID,
		Question:   req.Message,
	}, func(chunk string) error {
		if !streaming {
			writeSSEHeaders(c)
			streaming = true
		}
		if writeErr := writeSSE(c.Writer, "", chunk); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !streaming {
			h.writeAskError(c, err)
			return
		}
		if writeErr := writeSSE(c.Writer, "error", err.Error()); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	if !streaming {
		writeSSEHeaders(c)
	}
	if writeErr := writeSSE(c.Writer, "done", full); writeErr == nil {
		flusher.Flush()
	}
}

func (h *MessageHandler) History(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	documentIDRaw := c.Query("document_id")
	documentID64, err := strconv.ParseUint(documentIDRaw, 10, 64)
	if err != nil || documentID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document_id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	history, err := h.chatService.GetHistory(c.Request.Context(), userID, uint(documentID64), limit)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		}
		return
	}

	response.OK(c, history)
}

func (h *MessageHandler) writeAskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrMessageEmpty):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, app.ErrDocumentNotReady):
		response.Error(c, http.StatusConflict, response.CodeDocumentNotReady, err.Error())
	case errors.Is(err, app.ErrUpstream):
		response.Error(c, http.StatusBadGateway, response.CodeUpstreamFailure, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "send message failed")
	}
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeSSE frames one event. Multi-line payloads become repeated data lines
// per the SSE wire format, so payload text survives round-tripping.
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	normalized := strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := w.Write([]byte(b.String()))
	return err
}
