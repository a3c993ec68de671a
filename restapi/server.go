package restapi

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/engine"
	"github.com/nedfreetoplay/hydrus/service"
)

// AccessKeyHeader carries the hex access key on authenticated requests that
// have no session yet.
const AccessKeyHeader = "Hydrus-Key"

// SessionCookie carries the hex session key once a session is begun.
const SessionCookie = "session_key"

// Fleet runs one HTTP server per service.
type Fleet struct {
	eng     *engine.Engine
	mu      sync.Mutex
	servers []*http.Server
}

// NewFleet builds the fleet over a started engine.
func NewFleet(eng *engine.Engine) *Fleet {
	return &Fleet{eng: eng}
}

// Start launches a listener per registered service. Errors binding any port
// abort the whole start.
func (f *Fleet) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	for _, svc := range f.eng.Registry().List() {
		srv := &server{eng: f.eng, svc: svc}
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", svc.Port),
			Handler: srv.router(),
		}
		f.mu.Lock()
		f.servers = append(f.servers, httpServer)
		f.mu.Unlock()
		go func(svc *service.Service) {
			log.Info("service listening", "name", svc.Name, "port", svc.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("service listener failed", "name", svc.Name, "err", err)
			}
		}(svc)
	}
	return nil
}

// Stop shuts every listener down.
func (f *Fleet) Stop(ctx context.Context) {
	f.mu.Lock()
	servers := f.servers
	f.servers = nil
	f.mu.Unlock()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Warn("listener shutdown failed", "err", err)
		}
	}
}

// server handles one service's requests.
type server struct {
	eng *engine.Engine
	svc *service.Service
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	for _, rm := range RestMethods() {
		h := s.wrap(rm)
		switch rm.Verb {
		case GET:
			router.GET(rm.Path, h)
		case POST:
			router.POST(rm.Path, h)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
		}
	}
	return router
}

// wrap applies the bandwidth gate and, unless the action opts out, account
// resolution before the real handler runs.
func (s *server) wrap(rm RestMethod) func(c *gin.Context) {
	return func(c *gin.Context) {
		var acct *account.Account
		if !rm.NoAuth {
			var err error
			acct, err = s.authenticate(c)
			if err != nil {
				abort(c, err)
				return
			}
		}
		if err := s.eng.CheckRequest(s.svc, acct); err != nil {
			abort(c, err)
			return
		}
		c.Set("account", acct)
		rm.Handler(s, c)
	}
}

func (s *server) authenticate(c *gin.Context) (*account.Account, error) {
	var sessionKey hydrus.Key
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
		key, err := hydrus.KeyFromHex(cookie)
		if err != nil {
			return nil, hydrus.Errorf(hydrus.Unauthorized, "malformed session cookie")
		}
		sessionKey = key
	}
	var accessKey hydrus.AccessKey
	if header := c.GetHeader(AccessKeyHeader); header != "" {
		key, err := hydrus.KeyFromHex(header)
		if err != nil {
			return nil, hydrus.Errorf(hydrus.Unauthorized, "malformed access key header")
		}
		accessKey = hydrus.AccessKey(key)
	}
	return s.eng.Authenticate(c.Request.Context(), s.svc, accessKey, sessionKey)
}

// requestAccount retrieves the account wrap resolved. Nil for NoAuth actions.
func requestAccount(c *gin.Context) *account.Account {
	if v, ok := c.Get("account"); ok {
		if acct, ok := v.(*account.Account); ok {
			return acct
		}
	}
	return nil
}

// abort maps an error onto its HTTP status and a small JSON body.
func abort(c *gin.Context, err error) {
	var status int
	switch hydrus.CodeOf(err) {
	case hydrus.Unauthorized:
		status = http.StatusUnauthorized
	case hydrus.Forbidden:
		status = http.StatusForbidden
	case hydrus.NotFound:
		status = http.StatusNotFound
	case hydrus.Conflict:
		status = http.StatusConflict
	case hydrus.BadRequest:
		status = http.StatusBadRequest
	case hydrus.BandwidthExceeded:
		status = http.StatusTooManyRequests
	case hydrus.Busy, hydrus.ShuttingDown:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
