package battles

import (
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"github.com/oggyb/battle-engine/internal/app"
)

// Registrar ties the Battle service into the gRPC server and the HTTP router
type Registrar struct {
	appCtx *app.AppContext
}

// NewRegistrar creates a new Registrar for the Battle service
func NewRegistrar(appCtx *app.AppContext) *Registrar {
	return &Registrar{appCtx: appCtx}
}

// Register attaches the Battle service implementation to the gRPC server
func (r *Registrar) Register(s *grpc.Server) {
	RegisterBattleServiceServer(s, NewBattleService(r.appCtx))
}

// RegisterRoutes attaches the HTTP view and websocket routes
func (r *Registrar) RegisterRoutes(router gin.IRouter) {
	NewHTTPHandler(r.appCtx).RegisterRoutes(router)
}
