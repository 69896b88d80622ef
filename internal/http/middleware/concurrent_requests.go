package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CapConcurrentRequests limits the number of concurrently processed
// requests; excess requests are rejected with HTTP 429. Spawn requests can
// park in admission for a while, so the cap keeps a full pool from eating
// every server goroutine.
func CapConcurrentRequests(maxConcurrent int) gin.HandlerFunc {
	semaphore := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "too many concurrent requests",
			})
		}
	}
}
