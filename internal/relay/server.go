package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/creds"
	"github.com/mikeyg42/peercall/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 3 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// ServerConfig wires the relay's HTTP surface.
type ServerConfig struct {
	ListenAddr string
	// JWTSecret enables bearer-token auth on the credential endpoint
	// when set. The websocket stays open, rooms are gated by knowing
	// the passphrase.
	JWTSecret string
}

// Server is the relay's HTTP front: the signaling websocket plus the
// TURN credential endpoint.
type Server struct {
	hub    *Hub
	issuer *creds.Issuer
	cfg    ServerConfig
	logger *zap.Logger
}

func NewServer(cfg ServerConfig, hub *Hub, issuer *creds.Issuer, logger *zap.Logger) *Server {
	return &Server{
		hub:    hub,
		issuer: issuer,
		cfg:    cfg,
		logger: logger.Named("relay"),
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	turnGroup := router.Group("/turn")
	if s.cfg.JWTSecret != "" {
		turnGroup.Use(jwtAuth(s.cfg.JWTSecret))
	}
	turnGroup.GET("/credentials", s.handleCredentials)

	router.GET("/ws/room/:room/participant/:id", s.handleSignaling)
	return router
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.logger.Info("relay listening", zap.String("addr", s.cfg.ListenAddr))
	return s.Router().Run(s.cfg.ListenAddr)
}

func (s *Server) handleCredentials(c *gin.Context) {
	if s.issuer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no TURN relay configured"})
		return
	}
	credentials, err := s.issuer.Issue()
	if err != nil {
		s.logger.Error("credential issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}
	c.JSON(http.StatusOK, credentials)
}

func (s *Server) handleSignaling(c *gin.Context) {
	room := c.Param("room")
	id := c.Param("id")
	if room == "" || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and participant id are required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Join(room, identity.ParticipantID(id), conn)
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func jwtAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &tokenClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims, ok := token.Claims.(*tokenClaims); ok {
			c.Set("user_id", claims.UserID)
		}
		c.Next()
	}
}
