package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func CORS() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", RequestIDHeader}
	config.ExposeHeaders = []string{"X-Observer-ID", "Content-Disposition", RequestIDHeader}

	return cors.New(config)
}
