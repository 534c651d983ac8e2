package battles

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oggyb/battle-engine/internal/app"
	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/broadcast"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
)

// HTTPHandler serves the read side over HTTP: the battle view as JSON and
// the websocket live streams.
type HTTPHandler struct {
	appCtx   *app.AppContext
	upgrader websocket.Upgrader
}

// NewHTTPHandler builds the handler. Origins are checked by the CORS layer
// for plain requests; websocket upgrades are checked against the same list.
func NewHTTPHandler(appCtx *app.AppContext) *HTTPHandler {
	allowed := map[string]bool{}
	all := false
	if appCtx.Config != nil {
		for _, o := range appCtx.Config.HTTP.AllowedOrigins {
			if o == "*" {
				all = true
			}
			allowed[o] = true
		}
	} else {
		all = true
	}

	return &HTTPHandler{
		appCtx: appCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return all || origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterRoutes mounts the handler. Tokens are optional: anonymous viewers
// see public battles.
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	mw := auth.Middleware(h.appCtx.Tokens, false)

	api := r.Group("/api", mw)
	api.GET("/battles/:id", h.getBattle)
	api.GET("/stats", h.stats)

	ws := r.Group("/ws", mw)
	ws.GET("/battles/:id", h.watchBattle)
	ws.GET("/feed", h.watchFeed)
}

func (h *HTTPHandler) getBattle(c *gin.Context) {
	v, err := h.appCtx.Battles.GetBattleView(c.Request.Context(), auth.GinUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToView(v))
}

func (h *HTTPHandler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.appCtx.Hub.Stats())
}

func (h *HTTPHandler) watchBattle(c *gin.Context) {
	battleID := c.Param("id")
	uid := auth.GinUser(c)

	// the visibility gate applies before the upgrade
	if _, err := h.appCtx.Battles.GetBattleView(c.Request.Context(), uid, battleID); err != nil {
		writeError(c, err)
		return
	}

	h.serveWS(c, battleID, func(ctx context.Context) (*BattleView, error) {
		v, err := h.appCtx.Battles.GetBattleView(ctx, uid, battleID)
		if err != nil {
			return nil, err
		}
		return ToView(v), nil
	})
}

func (h *HTTPHandler) watchFeed(c *gin.Context) {
	h.serveWS(c, broadcast.FeedTopic, nil)
}

func (h *HTTPHandler) serveWS(c *gin.Context, topic string, resync func(context.Context) (*BattleView, error)) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.appCtx.Logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	client := newWSClient(conn, h.appCtx.Logger)
	id := h.appCtx.Hub.Subscribe(topic, client)
	h.appCtx.Logger.Debug("websocket viewer connected", "topic", topic, "user_id", auth.GinUser(c))

	go client.writePump()
	go func() {
		defer h.appCtx.Hub.Unsubscribe(topic, id)
		client.readPump(resync)
	}()
}

func writeError(c *gin.Context, err error) {
	c.JSON(svcErr.HTTPStatus(err), gin.H{"error": err.Error()})
}
