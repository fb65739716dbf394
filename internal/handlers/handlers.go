package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/deepfake-detect/internal/inference"
	"github.com/example/deepfake-detect/internal/logging"
	"github.com/example/deepfake-detect/internal/usecase"
)

// MaxMultipartMemory is how much of an upload gin keeps in memory before
// spilling to its own temp files. It is not an upload size limit.
const MaxMultipartMemory = 8 << 20

// Detector is the use case surface the routes depend on.
type Detector interface {
	Detect(ctx context.Context, requestID string, upload inference.Upload) (*usecase.Detection, error)
	GetResult(ctx context.Context, detectionID string) (*usecase.Detection, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Middlewares guard
// every route except the liveness probes.
func RegisterRoutes(router *gin.Engine, detector Detector, middlewares ...gin.HandlerFunc) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Deepfake Detection API is running!"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", middlewares...)
	detect := detectHandler(detector)
	api.POST("/detect", detect)
	api.POST("/check-image", detect)

	api.GET("/result/:id", func(c *gin.Context) {
		detection, err := detector.GetResult(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, usecase.ErrStoreDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, usecase.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, detection)
		}
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := detector.GetMetricsSummary(c.Request.Context())
		switch {
		case errors.Is(err, usecase.ErrStoreDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, summary)
		}
	})
}

func detectHandler(detector Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil || file.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
			return
		}

		upload := inference.Upload{
			Filename:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			Size:        file.Size,
			Open: func() (io.ReadCloser, error) {
				return file.Open()
			},
		}

		detection, err := detector.Detect(c.Request.Context(), logging.RequestID(c), upload)
		if err != nil {
			writeDetectError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":          detection.ID,
			"request_id":  detection.RequestID,
			"prediction":  detection.Prediction,
			"confidence":  detection.Confidence,
			"full_result": detection.FullResult,
		})
	}
}

func writeDetectError(c *gin.Context, err error) {
	var upErr *inference.UpstreamError
	switch {
	case errors.Is(err, usecase.ErrMissingInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
	case errors.Is(err, inference.ErrUpstreamUnavailable):
		if errors.As(err, &upErr) && upErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(upErr.RetryAfter.Seconds()))))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":           "Inference model is loading, please retry shortly",
			"retryable":       true,
			"upstream_status": http.StatusServiceUnavailable,
		})
	case errors.As(err, &upErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "Failed to get predictions from API",
			"upstream_status": upErr.StatusCode,
			"detail":          upErr.Message,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
