package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yeremiapane/restaurant-reservations/hub"
)

type RealtimeController struct {
	Hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewRealtimeController accepts websocket upgrades from allowedOrigins. An
// empty list, or "*", accepts any origin.
func NewRealtimeController(h *hub.Hub, allowedOrigins []string) *RealtimeController {
	return &RealtimeController{
		Hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Connect -> endpoint WebSocket untuk staff
func (rc *RealtimeController) Connect(c *gin.Context) {
	role := roleOf(c)
	if !role.Valid() {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	userID, _ := c.Get("user_id")
	uid, _ := userID.(uint)

	ws, err := rc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	rc.Hub.Serve(ws, role, uid)
}
