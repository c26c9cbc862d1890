// Package api exposes the sync pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/jobmail-sync/internal/auth"
	"github.com/Martian-dev/jobmail-sync/internal/domain"
	eventsqlite "github.com/Martian-dev/jobmail-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/jobmail-sync/internal/recordstore"
	"github.com/Martian-dev/jobmail-sync/internal/sync"
	"github.com/Martian-dev/jobmail-sync/internal/tokenstore"
)

// Tokens is the token lifecycle as seen by the handlers.
type Tokens interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	StoreRefreshToken(ctx context.Context, userID, refreshToken string) error
	Connected(ctx context.Context, userID string) (bool, error)
	Disconnect(ctx context.Context, userID string) error
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Identity resolves the user behind an access token.
type Identity interface {
	Fetch(ctx context.Context, accessToken string) (*auth.UserInfo, error)
}

// Sessions authenticates API callers.
type Sessions interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Syncer runs passes.
type Syncer interface {
	Sync(ctx context.Context, userID string) (*sync.Summary, error)
	SyncAll(ctx context.Context) (sync.SweepResult, error)
	IsRunning(userID string) bool
	Cancel(userID string) bool
}

// StatusReader reads per-user pass state.
type StatusReader interface {
	Cursor(ctx context.Context, userID string) (time.Time, bool, error)
	SyncStatus(ctx context.Context, userID string) (tokenstore.Status, error)
}

// Records lists persisted applications.
type Records interface {
	ListRecent(ctx context.Context, userID string, opts recordstore.ListOptions) (*recordstore.ListResult, error)
}

// Mirror writes records to a spreadsheet.
type Mirror interface {
	Configured() bool
	ReplaceAll(ctx context.Context, accessToken, userID string, records []domain.Record) (int, error)
	Append(ctx context.Context, accessToken, userID string, records []domain.Record) (int, error)
}

// History reads the change log for one thread.
type History interface {
	History(ctx context.Context, userID, threadID string) ([]eventsqlite.ApplicationEvent, error)
}

// Deps are the collaborators of a Server. Mirror and History may be nil.
type Deps struct {
	Tokens   Tokens
	Identity Identity
	Sessions Sessions
	Syncer   Syncer
	Status   StatusReader
	Records  Records
	Mirror   Mirror
	History  History

	Model             string
	CronSecret        string
	CORSOrigins       []string
	ConnectedRedirect string
	Log               *zap.Logger
	Now               func() time.Time
}

// Server is the HTTP front of the pipeline.
type Server struct {
	deps   Deps
	log    *zap.Logger
	router *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps, log: deps.Log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), cors(deps.CORSOrigins))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "jobmail-sync ok") })
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/auth/google", s.startAuth)
	r.GET("/oauth/google/callback", s.oauthCallback)
	r.POST("/cron/sync", s.cronSync)

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())
	authorized.POST("/sync", s.syncNow)
	authorized.DELETE("/sync", s.cancelSync)
	authorized.GET("/recent", s.recent)
	authorized.GET("/status", s.status)
	authorized.POST("/mirror", s.mirrorReplace)
	authorized.POST("/mirror/append", s.mirrorAppend)
	authorized.DELETE("/auth/google", s.disconnect)
	authorized.GET("/history/:threadId", s.history)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }
