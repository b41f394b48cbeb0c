package ingestion

import (
	"github.com/gin-gonic/gin"
)

type Service struct {
	pipeline         *Pipeline
	maxBodySizeBytes int
}

func NewService(pipeline *Pipeline, maxBodySizeMB int) *Service {
	if pipeline == nil {
		panic("ingestion: pipeline must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 4 // default to 4MB, batches are bulky
	}
	return &Service{
		pipeline:         pipeline,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/interactions", s.LoadHandler)
}
