package server

import (
	"github.com/JuanPabloHerrera/openapi/internal/server/middleware"
	v1 "github.com/JuanPabloHerrera/openapi/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS(s.config.Server.AllowedOrigins))
	s.router.Use(middleware.ErrorHandler(s.logger))
	s.router.NoRoute(middleware.NotFound())

	healthHandler := v1.NewHealthHandler(s.deps.DB)
	s.router.GET("/health", healthHandler.Health)
	s.router.GET("/ready", healthHandler.Ready)

	guard := middleware.NewFloodGuard(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst, s.logger)

	api := s.router.Group("/v1")
	api.Use(guard.Middleware())
	{
		modelsHandler := v1.NewModelHandler(s.deps.Catalog)
		api.GET("/models", modelsHandler.ListModels)

		// Everything else under /v1 goes through the metered pipeline.
		proxyHandler := v1.NewProxyHandler(s.deps.Gateway, s.config.Server.MaxBodyBytes)
		api.POST("/*path", proxyHandler.Proxy)
	}
}
