package router

import (
	"github.com/gin-gonic/gin"

	"genforge/internal/store"
)

type creditsPageResponse struct {
	Balance store.CreditBalance `json:"balance"`
	Entries []store.LedgerEntry `json:"entries"`
}

func setCreditsAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/credits", creditsPageHandler(opts))
}

func creditsPageHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := requireAccount(c)
		if !ok {
			return
		}
		b, err := opts.Credits.GetBalance(c.Request.Context(), accountID)
		if err != nil {
			respondError(c, err)
			return
		}
		entries, err := opts.Credits.Entries(c.Request.Context(), accountID, parseLimit(c, 50, 200))
		if err != nil {
			respondError(c, err)
			return
		}
		if entries == nil {
			entries = []store.LedgerEntry{}
		}
		respondOK(c, creditsPageResponse{Balance: b, Entries: entries})
	}
}
