package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/recordstore"
)

const (
	stateCookie = "oauth_state"

	mirrorWindow      = 7 * 24 * time.Hour
	mirrorReplaceRows = 200
	mirrorAppendRows  = 50
)

// statusFor maps a failure reason to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTokenExchangeFailed), errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error(), "reason": domain.Reason(err)})
}

func (s *Server) startAuth(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, 600, "/", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, s.deps.Tokens.AuthURL(state))
}

func (s *Server) oauthCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": e})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing code"})
		return
	}
	if want, err := c.Cookie(stateCookie); err == nil && want != c.Query("state") {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "state mismatch"})
		return
	}

	ctx := c.Request.Context()
	tok, err := s.deps.Tokens.Exchange(ctx, code)
	if err != nil {
		s.log.Warn("code exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error(), "reason": domain.Reason(err)})
		return
	}
	if tok.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":    false,
			"error": "no refresh token returned; remove the app's access from your Google account and connect again",
		})
		return
	}

	info, err := s.deps.Identity.Fetch(ctx, tok.AccessToken)
	if err != nil {
		s.log.Warn("userinfo failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if info.Sub == "" {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "userinfo has no subject"})
		return
	}

	if err := s.deps.Tokens.StoreRefreshToken(ctx, info.Sub, tok.RefreshToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	s.log.Info("mailbox connected", zap.String("user_id", info.Sub))

	c.SetCookie(stateCookie, "", -1, "/", "", c.Request.TLS != nil, true)
	if s.deps.ConnectedRedirect != "" {
		c.Redirect(http.StatusFound, s.deps.ConnectedRedirect)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "userId": info.Sub})
}

func (s *Server) syncNow(c *gin.Context) {
	userID := c.GetString(userIDKey)
	sum, err := s.deps.Syncer.Sync(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"processed": sum.Processed,
		"scanned":   sum.Scanned,
		"skipped":   sum.Skipped,
		"pages":     sum.Pages,
		"truncated": sum.Truncated,
	})
}

func (s *Server) cancelSync(c *gin.Context) {
	userID := c.GetString(userIDKey)
	cancelled := s.deps.Syncer.Cancel(userID)
	if cancelled {
		s.log.Info("pass cancelled", zap.String("user_id", userID))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": cancelled})
}

func (s *Server) recent(c *gin.Context) {
	var opts recordstore.ListOptions
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		opts.Since = t
	}
	for key, dst := range map[string]*int{"page": &opts.Page, "limit": &opts.Limit} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
			return
		}
		*dst = n
	}

	res, err := s.deps.Records.ListRecent(c.Request.Context(), c.GetString(userIDKey), opts)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(userIDKey)

	connected, err := s.deps.Tokens.Connected(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	st, err := s.deps.Status.SyncStatus(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var lastSynced *time.Time
	if t, ok, err := s.deps.Status.Cursor(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if ok {
		lastSynced = &t
	}

	c.JSON(http.StatusOK, gin.H{
		"gmailConnected": connected,
		"lastSyncedAt":   lastSynced,
		"lastStatus":     st.State,
		"lastError":      st.LastError,
		"reason":         st.Reason,
		"model":          s.deps.Model,
		"running":        s.deps.Syncer.IsRunning(userID),
	})
}

func (s *Server) mirrorReplace(c *gin.Context) { s.mirror(c, false) }

func (s *Server) mirrorAppend(c *gin.Context) { s.mirror(c, true) }

func (s *Server) mirror(c *gin.Context, appendOnly bool) {
	if s.deps.Mirror == nil || !s.deps.Mirror.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "spreadsheet mirror not configured"})
		return
	}
	ctx := c.Request.Context()
	userID := c.GetString(userIDKey)

	token, err := s.deps.Tokens.AccessToken(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}

	limit := mirrorReplaceRows
	if appendOnly {
		limit = mirrorAppendRows
	}
	res, err := s.deps.Records.ListRecent(ctx, userID, recordstore.ListOptions{
		Since: s.deps.Now().Add(-mirrorWindow),
		Limit: limit,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}

	var n int
	if appendOnly {
		n, err = s.deps.Mirror.Append(ctx, token, userID, res.Docs)
	} else {
		n, err = s.deps.Mirror.ReplaceAll(ctx, token, userID, res.Docs)
	}
	if err != nil {
		s.log.Warn("mirror failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rows": n})
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.deps.Tokens.Disconnect(c.Request.Context(), c.GetString(userIDKey)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) history(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not enabled"})
		return
	}
	events, err := s.deps.History.History(c.Request.Context(), c.GetString(userIDKey), c.Param("threadId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) cronSync(c *gin.Context) {
	if !s.cronAllowed(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "bad cron secret"})
		return
	}
	res, err := s.deps.Syncer.SyncAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sweep": res})
}
