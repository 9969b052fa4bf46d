package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/auth"
	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/store"
)

// ProfileFinder 没找到资料时返回 nil, nil
type ProfileFinder interface {
	GetProfile(ctx context.Context, userID string) (*store.UserProfile, error)
}

// MemberLister 由 ws.Hub 实现
type MemberLister interface {
	Members(ctx context.Context, room string) ([]cache.Member, error)
}

type RelayHandler struct {
	profiles ProfileFinder
	members  MemberLister
	secret   []byte
	tokenTTL time.Duration
}

// NewRelayHandler profiles 可以为 nil，此时资料直接取自令牌。
func NewRelayHandler(profiles ProfileFinder, members MemberLister, secret []byte) *RelayHandler {
	return &RelayHandler{profiles: profiles, members: members, secret: secret, tokenTTL: 24 * time.Hour}
}

func (h *RelayHandler) Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	}
}

// Profile 返回当前用户资料 {id, name, avatar}，需要挂在 auth.Middleware 之后。
func (h *RelayHandler) Profile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userId")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		resp := gin.H{"id": userID, "name": c.GetString("username"), "avatar": ""}
		if h.profiles != nil {
			p, err := h.profiles.GetProfile(c.Request.Context(), userID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if p != nil {
				if p.Name != "" {
					resp["name"] = p.Name
				}
				resp["avatar"] = p.Avatar
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Members 列出房间在线成员
func (h *RelayHandler) Members() gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("room")
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room"})
			return
		}
		members, err := h.members.Members(c.Request.Context(), room)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if members == nil {
			members = []cache.Member{}
		}
		c.JSON(http.StatusOK, gin.H{"room": room, "members": members})
	}
}

type devTokenReq struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
}

// DevToken 只在开发模式下注册：直接为任意用户签发访问令牌。
func (h *RelayHandler) DevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
			return
		}
		if req.Username == "" {
			req.Username = req.UserID
		}
		token, exp, err := auth.SignAccessToken(h.secret, req.UserID, req.Username, h.tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": exp.Format(time.RFC3339)})
	}
}

// Register 挂载 HTTP 路由；WebSocket 入口由调用方单独挂。
func (h *RelayHandler) Register(r gin.IRouter, devTokens bool) {
	r.GET("/collab/healthz", h.Healthz())
	r.GET("/collab/rooms/:room/members", auth.Middleware(h.secret), h.Members())

	v1 := r.Group("/v1")
	v1.GET("/profile", auth.Middleware(h.secret), h.Profile())
	if devTokens {
		v1.POST("/dev/token", h.DevToken())
	}
}
