package server

import (
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// Registrar is a common interface for all gRPC service registrars
type Registrar interface {
	Register(s *grpc.Server)
}

// HTTPRegistrar is the gin counterpart of Registrar
type HTTPRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}
