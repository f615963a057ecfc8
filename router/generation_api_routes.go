package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"genforge/internal/generation"
	"genforge/internal/middleware"
)

type modelView struct {
	ID              string    `json:"id"`
	MediaType       string    `json:"media_type"`
	MaxImages       int       `json:"max_images,omitempty"`
	Durations       []float64 `json:"durations,omitempty"`
	DefaultDuration float64   `json:"default_duration,omitempty"`
	RatePerSecond   string    `json:"rate_per_second,omitempty"`
	MinCharge       int64     `json:"min_charge,omitempty"`
}

func setGenerationAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/models", listModelsHandler())

	r.POST("/generations", submitGenerationHandler(opts))
	r.GET("/generations", listGenerationsHandler(opts))
	r.GET("/generations/:job_id", pollGenerationHandler(opts))
	r.POST("/generations/:job_id/complete", completeGenerationHandler(opts))
	r.POST("/generations/:job_id/cancel", cancelGenerationHandler(opts))

	r.DELETE("/artifacts/:artifact_id", deleteArtifactHandler(opts))
}

func listModelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		models := generation.Models()
		out := make([]modelView, 0, len(models))
		for _, m := range models {
			v := modelView{
				ID:              m.ID,
				MediaType:       m.MediaType,
				MaxImages:       m.MaxImages,
				Durations:       m.Durations,
				DefaultDuration: m.DefaultDuration,
				MinCharge:       m.MinCharge,
			}
			if !m.RatePerSecond.IsZero() {
				v.RatePerSecond = m.RatePerSecond.String()
			}
			out = append(out, v)
		}
		respondOK(c, out)
	}
}

func submitGenerationHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		var req generation.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "无效的参数")
			return
		}
		if req.Sync {
			if !opts.SyncLimits.Acquire(accountID) {
				c.JSON(http.StatusTooManyRequests, gin.H{
					"success":    false,
					"message":    "同步生成并发已达上限，请稍后重试或改用异步提交",
					"code":       "too_many_requests",
					"request_id": middleware.GetRequestID(c.Request.Context()),
				})
				return
			}
			defer opts.SyncLimits.Release(accountID)
		}
		v, err := opts.Generation.Submit(c.Request.Context(), accountID, req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, v)
	}
}

func listGenerationsHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		jobs, err := opts.Generation.List(c.Request.Context(), accountID, parseLimit(c, 20, 100))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, jobs)
	}
}

func pollGenerationHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		v, err := opts.Generation.Poll(c.Request.Context(), accountID, strings.TrimSpace(c.Param("job_id")))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, v)
	}
}

func completeGenerationHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		v, err := opts.Generation.FetchAndComplete(c.Request.Context(), accountID, strings.TrimSpace(c.Param("job_id")))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, v)
	}
}

func cancelGenerationHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		v, err := opts.Generation.Cancel(c.Request.Context(), accountID, strings.TrimSpace(c.Param("job_id")))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, v)
	}
}

func deleteArtifactHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		if err := opts.Generation.DeleteArtifact(c.Request.Context(), accountID, strings.TrimSpace(c.Param("artifact_id"))); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, nil)
	}
}
