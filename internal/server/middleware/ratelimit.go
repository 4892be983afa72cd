package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FloodGuard throttles per client IP ahead of key authentication so key
// guessing cannot hammer the credential store. Per-account quotas are
// enforced later by the gateway.
type FloodGuard struct {
	clients map[string]*visitor
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewFloodGuard(rps float64, burst int, logger *zap.Logger) *FloodGuard {
	return &FloodGuard{
		clients: make(map[string]*visitor),
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		logger:  logger,
		now:     time.Now,
	}
}

func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	v, ok := g.clients[ip]
	if !ok {
		g.evictIdle(now)
		v = &visitor{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.clients[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// evictIdle drops visitors not seen for the idle period. Called with mu held.
func (g *FloodGuard) evictIdle(now time.Time) {
	for ip, v := range g.clients {
		if now.Sub(v.lastSeen) > g.idle {
			delete(g.clients, ip)
		}
	}
}

// Middleware returns the Gin middleware handler. A non-positive rate
// disables the guard.
func (g *FloodGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.rps <= 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !g.allow(ip) {
			g.logger.Warn("Flood guard tripped",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.NewError(
				http.StatusTooManyRequests,
				"Too many requests from this address",
				api.TypeRateLimit,
				"ip_rate_limited",
			).Envelope())
			return
		}

		c.Next()
	}
}
