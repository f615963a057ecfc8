package router

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"genforge/internal/auth"
)

type apiTokenView struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func setTokenAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/tokens", listTokensHandler(opts))
	r.POST("/tokens", createTokenHandler(opts))
	r.POST("/tokens/:token_id/revoke", revokeTokenHandler(opts))
}

func listTokensHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		tokens, err := opts.Store.ListAPITokensByAccount(c.Request.Context(), accountID)
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]apiTokenView, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, apiTokenView{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt, LastUsedAt: t.LastUsedAt, RevokedAt: t.RevokedAt})
		}
		respondOK(c, out)
	}
}

// createTokenHandler 为当前账号签发新 token；明文只在本次响应中返回。
func createTokenHandler(opts Options) gin.HandlerFunc {
	type reqBody struct {
		Name string `json:"name"`
	}
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		var req reqBody
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "无效的参数")
				return
			}
		}
		name := strings.TrimSpace(req.Name)
		if len(name) > 64 {
			badRequest(c, "名称过长")
			return
		}
		raw, err := auth.NewAPIToken()
		if err != nil {
			respondError(c, err)
			return
		}
		id, err := opts.Store.CreateAPIToken(c.Request.Context(), accountID, name, raw)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Token 已创建，请妥善保存（只显示一次）",
			"data":    gin.H{"id": id, "token": raw},
		})
	}
}

func revokeTokenHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		tokenID, ok := parseInt64Param(c, "token_id")
		if !ok {
			badRequest(c, "参数错误")
			return
		}
		if err := opts.Store.RevokeAPIToken(c.Request.Context(), accountID, tokenID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Token 不存在", "code": "not_found"})
				return
			}
			respondError(c, err)
			return
		}
		respondOK(c, nil)
	}
}
