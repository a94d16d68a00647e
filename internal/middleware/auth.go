package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"watchparty/internal/utils"
)

// ContextUserID 是身分驗證後寫入 gin context 的 key
const ContextUserID = "userID"

// AuthMiddleware 要求請求帶有有效的 JWT token
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(secret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// OptionalIdentity 有 token 時解析出使用者身分，沒有或無效時以訪客身分繼續。
// 瀏覽器的 WebSocket 無法自訂 header，所以也接受 ?token= 參數。
func OptionalIdentity(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			token = c.Query("token")
		}
		if token != "" && len(secret) > 0 {
			if claims, err := utils.ParseToken(secret, token); err == nil {
				c.Set(ContextUserID, claims.UserID)
			}
		}
		c.Next()
	}
}

// UserID 取出中間件寫入的使用者 ID
func UserID(c *gin.Context) (string, bool) {
	return c.GetString(ContextUserID), c.GetString(ContextUserID) != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if !(len(parts) == 2 && parts[0] == "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
