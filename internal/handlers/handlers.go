package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/androidvision/internal/inference"
	"github.com/example/androidvision/internal/storage"
	"github.com/example/androidvision/internal/usecase"
)

// MaxUploadSize is the default per-image limit.
const MaxUploadSize = 20 << 20

// multipartOverhead is the allowance for boundaries and headers on top of
// the image itself.
const multipartOverhead = 64 << 10

const (
	FieldImage    = "image"
	FieldProvider = "provider"
)

// VisionService is the use case surface the handlers depend on.
type VisionService interface {
	ExtractText(ctx context.Context, upload usecase.Upload) inference.Result
	OpenArtifact(ctx context.Context, name string) (io.ReadCloser, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures RegisterRoutes.
type Options struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc VisionService, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("http")

	router.Use(RequestLogger(logger), CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/vision", uploadLimit(opts.MaxUploadBytes), func(c *gin.Context) {
		file, err := c.FormFile(FieldImage)
		if err != nil {
			if isTooLarge(err) {
				abortTooLarge(c, opts.MaxUploadBytes)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": usecase.MessageNoImage})
			return
		}
		if file.Size == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": usecase.MessageNoImage})
			return
		}
		if file.Size > opts.MaxUploadBytes {
			abortTooLarge(c, opts.MaxUploadBytes)
			return
		}

		src, err := file.Open()
		if err != nil {
			logger.Error("failed to open multipart file", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		providerID := c.PostForm(FieldProvider)
		if providerID == "" {
			providerID = c.Query(FieldProvider)
		}

		result := svc.ExtractText(c.Request.Context(), usecase.Upload{
			Body:        src,
			Filename:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			Size:        file.Size,
			ProviderID:  providerID,
		})
		if !result.Success {
			c.JSON(result.Kind().HTTPStatus(), gin.H{"error": result.ErrorMessage()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result":   result.Text,
			"imageUrl": result.ImageURL,
		})
	})

	router.GET("/uploads/:name", func(c *gin.Context) {
		name := c.Param("name")
		rc, err := svc.OpenArtifact(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
				c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
				return
			}
			logger.Error("failed to open artifact", zap.String("artifact", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		defer rc.Close()

		c.DataFromReader(http.StatusOK, -1, contentTypeOf(name), rc, map[string]string{
			"Cache-Control": "no-store",
		})
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrAuditDisabled) {
				c.JSON(http.StatusNotFound, gin.H{"error": "metrics are not enabled"})
				return
			}
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// CORS allows any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger writes one access log line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func uploadLimit(maxBytes int64) gin.HandlerFunc {
	limit := maxBytes + multipartOverhead
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			abortTooLarge(c, maxBytes)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func abortTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("image exceeds the %d byte upload limit", maxBytes),
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func contentTypeOf(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
