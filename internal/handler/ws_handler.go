package handler

import (
	"errors"
	"net/http"
	"strings"

	"roadwatch-sync-server/internal/websocket"
	"roadwatch-sync-server/pkg/jwt"

	"go.uber.org/zap"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	logger    *zap.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		logger:    logger.Named("ws"),
	}
}

// HandleConnection accepts the token as a query parameter since browsers
// cannot set headers on websocket requests.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Debug("token validation failed", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if err := h.manager.Serve(w, r, claims.OperatorID); err != nil && !errors.Is(err, websocket.ErrTooManyConnections) {
		h.logger.Warn("failed to upgrade connection", zap.String("operator", claims.OperatorID), zap.Error(err))
	}
}
