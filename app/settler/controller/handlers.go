package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// HandleLogin checks credentials and issues a session cookie.
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	u, ok := c.Users[in.Username]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.Hash, []byte(in.Password)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	role := u.Role
	if role == "" {
		role = "viewer"
	}
	if err := c.IssueSession(w, in.Username, role); err != nil {
		c.Logger.Error("Failed to sign session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

// HandleLogout clears the session cookie.
func (c *Controller) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus returns the orchestrator status.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Engine.Status(r.Context()))
}

// HandleStart resumes settlement.
func (c *Controller) HandleStart(w http.ResponseWriter, r *http.Request) {
	changed := c.Engine.Start()
	c.Logger.Info("Start requested", zap.String("user", c.currentUser(r)), zap.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]bool{"running": c.Engine.Running(), "changed": changed})
}

// HandleStop pauses settlement after in-flight work.
func (c *Controller) HandleStop(w http.ResponseWriter, r *http.Request) {
	changed := c.Engine.Stop()
	c.Logger.Info("Stop requested", zap.String("user", c.currentUser(r)), zap.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]bool{"running": c.Engine.Running(), "changed": changed})
}

// HandleHealth returns the last health report, running a check when none exists.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := c.Engine.Status(r.Context())
	var report = status.Health
	if report == nil {
		h := c.Engine.CheckHealth(r.Context())
		report = &h
	}
	code := http.StatusOK
	if !report.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// HandleHistory returns recent settlement attempts.
// Query: market=<id> (optional), limit=<n> (default 100).
func (c *Controller) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if c.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history not enabled"})
		return
	}
	q := r.URL.Query()

	var marketID *uint8
	if v := q.Get("market"); v != "" {
		id, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid market"})
			return
		}
		m := uint8(id)
		marketID = &m
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	rows, err := c.History.Recent(r.Context(), marketID, limit)
	if err != nil {
		c.Logger.Error("Failed to query settlement history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
