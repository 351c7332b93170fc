package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/internal/service"
	"golang.org/x/time/rate"
)

const (
	contextKeyUser     = "auth_user"
	limiterIdleTimeout = 10 * time.Minute
	limiterSweepSize   = 4096
)

// authMiddleware accepts "Bearer <access jwt>" or "Token <api token>".
func authMiddleware(accounts service.AccountService, handler *apiHandler) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		scheme, credential, found := strings.Cut(strings.TrimSpace(contextGin.GetHeader("Authorization")), " ")
		credential = strings.TrimSpace(credential)
		if !found || credential == "" {
			handler.writeError(contextGin, service.ErrUnauthenticated)
			contextGin.Abort()
			return
		}
		var (
			user *model.User
			err  error
		)
		switch strings.ToLower(scheme) {
		case "bearer":
			user, err = accounts.AuthenticateAccessToken(contextGin.Request.Context(), credential)
		case "token":
			user, err = accounts.AuthenticateAPIToken(contextGin.Request.Context(), credential)
		default:
			err = service.ErrUnauthenticated
		}
		if err != nil {
			handler.writeError(contextGin, err)
			contextGin.Abort()
			return
		}
		contextGin.Set(contextKeyUser, user)
		contextGin.Next()
	}
}

func currentUser(contextGin *gin.Context) *model.User {
	value, exists := contextGin.Get(contextKeyUser)
	if !exists {
		return nil
	}
	user, _ := value.(*model.User)
	return user
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientRateLimiter keeps one token bucket per client IP.
type clientRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newClientRateLimiter(perSecond int, burst int) *clientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientRateLimiter{
		clients: make(map[string]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (limiter *clientRateLimiter) allow(clientKey string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	currentTime := limiter.now()
	if len(limiter.clients) >= limiterSweepSize {
		for key, entry := range limiter.clients {
			if currentTime.Sub(entry.lastSeen) > limiterIdleTimeout {
				delete(limiter.clients, key)
			}
		}
	}
	entry, exists := limiter.clients[clientKey]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.clients[clientKey] = entry
	}
	entry.lastSeen = currentTime
	return entry.limiter.AllowN(currentTime, 1)
}

func (limiter *clientRateLimiter) middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !limiter.allow(contextGin.ClientIP()) {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Try again later."})
			return
		}
		contextGin.Next()
	}
}
