// Package api exposes the ingestion and query operations over HTTP. Handlers
// are thin: they parse parameters, call into the service layer and map its
// sentinel errors onto status codes.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/ingest"
	"github.com/emylund/fieldstation/internal/query"
)

// Handler bundles the collaborators every route needs.
type Handler struct {
	ingest *ingest.Service
	query  *query.Engine
	log    *logrus.Logger
}

// NewHandler wires a handler.
func NewHandler(svc *ingest.Service, engine *query.Engine, log *logrus.Logger) *Handler {
	return &Handler{ingest: svc, query: engine, log: log}
}

// NewRouter builds the HTTP surface under /api/v1.
func NewRouter(h *Handler, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/sensors", h.GetSensorReadings)
		v1.POST("/sensors", h.PostSensorReading)
		v1.GET("/weather", h.GetWeatherReadings)
		v1.POST("/weather", h.PostWeatherReading)
		v1.GET("/combined", h.GetCombinedReadings)
		v1.GET("/latest", h.GetLatest)

		v1.GET("/audio", h.GetAudioRecordings)
		v1.POST("/audio", h.PostAudio)
		v1.POST("/audio/scan", h.PostAudioScan)
		v1.GET("/audio/environmental", h.GetAudioEnvironmental)

		v1.POST("/upload/csv", h.PostCSV)
		v1.POST("/records/delete", h.PostRecordsDelete)
		v1.GET("/links", h.GetLink)
	}

	return router
}
