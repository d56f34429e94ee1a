package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (s *Service) router(token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())
	if strings.TrimSpace(token) != "" {
		r.Use(tokenAuth(token))
	}

	r.GET("/health", s.getHealth)
	r.GET("/status", s.getStatus)
	r.GET("/targets", s.getTargets)
	r.GET("/targets/:id", s.getTarget)
	r.POST("/targets/:id/check", s.postTargetCheck)
	r.POST("/jobs/:name/run", s.postJobRun)
	r.GET("/events", s.getEvents)

	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Websocket upgrades log their own lifecycle.
		if c.IsWebsocket() {
			return
		}
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

// tokenAuth accepts either "Authorization: Bearer <token>" or "?token=".
// The query form exists for websocket clients that cannot set headers.
func tokenAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if got := c.Query("token"); got != "" {
			if got == tok {
				c.Next()
				return
			}
			abortUnauthorized(c)
			return
		}
		if ah := c.GetHeader("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				c.Next()
				return
			}
		}
		abortUnauthorized(c)
	}
}

func abortUnauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func (s *Service) getHealth(c *gin.Context) {
	s.mu.Lock()
	up := time.Since(s.startedAt)
	s.mu.Unlock()

	out := gin.H{
		"status": "ok",
		"uptime": up.Round(time.Second).String(),
	}
	if s.deps.Monitor != nil {
		snap := s.deps.Monitor.Snapshot()
		out["targets"] = snap.Targets
		out["in_flight"] = snap.InFlight
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) getStatus(c *gin.Context) {
	out := gin.H{"time": time.Now()}

	if s.deps.Monitor != nil {
		out["monitor"] = s.deps.Monitor.Snapshot()
	}
	if s.deps.Gate != nil {
		out["hosts"] = s.deps.Gate.Snapshot()
	}
	if s.deps.Dispatch != nil {
		out["dispatch"] = s.deps.Dispatch.Snapshot()
	}
	if s.deps.Jobs != nil {
		out["jobs"] = s.deps.Jobs.Snapshot()
	}
	if s.deps.Probe != nil {
		if last := s.deps.Probe.Last(); last != nil {
			out["probe"] = last
		}
	}
	c.JSON(http.StatusOK, out)
}

// targetView merges schedule state with the last observed snapshot.
type targetView struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Host     string    `json:"host"`
	Priority int       `json:"priority"`
	Interval string    `json:"interval"`
	NextDue  time.Time `json:"next_due"`
	InFlight bool      `json:"in_flight"`

	Status      string    `json:"status,omitempty"`
	Price       string    `json:"price,omitempty"`
	Title       string    `json:"title,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	Unchanged   int       `json:"unchanged,omitempty"`
	Errors      int       `json:"errors,omitempty"`
}

func (s *Service) getTargets(c *gin.Context) {
	if s.deps.Monitor == nil {
		c.JSON(http.StatusOK, []targetView{})
		return
	}

	snaps := map[string]watch.Snapshot{}
	if s.deps.Watch != nil {
		for _, sn := range s.deps.Watch.All() {
			snaps[sn.TargetID] = sn
		}
	}

	items := s.deps.Monitor.Snapshot().Items
	out := make([]targetView, 0, len(items))
	for _, it := range items {
		out = append(out, buildTargetView(it.ID, it.URL, it.Host, it.Priority, it.Interval, it.NextDue, it.InFlight, snaps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Service) getTarget(c *gin.Context) {
	id := c.Param("id")
	if s.deps.Monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}
	snaps := map[string]watch.Snapshot{}
	if s.deps.Watch != nil {
		if sn, ok := s.deps.Watch.Get(id); ok {
			snaps[id] = sn
		}
	}
	for _, it := range s.deps.Monitor.Snapshot().Items {
		if it.ID == id {
			c.JSON(http.StatusOK, buildTargetView(it.ID, it.URL, it.Host, it.Priority, it.Interval, it.NextDue, it.InFlight, snaps))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
}

func buildTargetView(id, url, host string, prio int, interval time.Duration, due time.Time, inflight bool, snaps map[string]watch.Snapshot) targetView {
	v := targetView{
		ID:       id,
		URL:      url,
		Host:     host,
		Priority: prio,
		Interval: interval.String(),
		NextDue:  due,
		InFlight: inflight,
	}
	if sn, ok := snaps[id]; ok {
		v.Status = string(sn.Status)
		if sn.PriceKnown {
			v.Price = sn.Price.String()
		}
		v.Title = sn.Title
		v.LastChecked = sn.CheckedAt
		v.Unchanged = sn.Unchanged
		v.Errors = sn.Errors
	}
	return v
}

func (s *Service) postTargetCheck(c *gin.Context) {
	id := c.Param("id")
	if s.deps.Monitor == nil || !s.deps.Monitor.ForceCheck(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}
	s.audit(c, "target.check", id, nil)
	c.JSON(http.StatusAccepted, gin.H{"message": "check queued", "id": id})
}

func (s *Service) postJobRun(c *gin.Context) {
	name := c.Param("name")
	if s.deps.Jobs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "jobs not configured"})
		return
	}
	err := s.deps.Jobs.RunJob(c.Request.Context(), name)
	s.audit(c, "jobs."+name, "", err)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job finished", "job": name})
}

func (s *Service) audit(c *gin.Context, action, targetID string, err error) {
	if s.deps.Store == nil {
		return
	}
	e := auditEntry(action, targetID, err)
	_ = s.deps.Store.AppendAudit(c.Request.Context(), e)
}

// getEvents streams bus events over a websocket. A plain GET without an
// upgrade returns the stored change history instead.
func (s *Service) getEvents(c *gin.Context) {
	if c.IsWebsocket() {
		s.streamEvents(c)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if s.deps.Store == nil {
		c.JSON(http.StatusOK, []watch.ChangeEvent{})
		return
	}
	events, err := s.deps.Store.ListEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []watch.ChangeEvent{}
	}
	c.JSON(http.StatusOK, events)
}
