package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/cmdpool/internal/infrastructure/logbuf"
	"github.com/edirooss/cmdpool/internal/service"
	"github.com/edirooss/cmdpool/pkg/jsonx"
	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/pkg/supervisor/backend"
)

// KidsHandler serves the pool control surface: spawn, inspect, signal, and
// captured output.
type KidsHandler struct {
	log     *zap.Logger
	sup     *supervisor.Supervisor
	logs    *logbuf.Manager
	summary *service.SummaryService
}

func NewKidsHandler(log *zap.Logger, sup *supervisor.Supervisor, logs *logbuf.Manager, summary *service.SummaryService) *KidsHandler {
	return &KidsHandler{
		log:     log.Named("kids_handler"),
		sup:     sup,
		logs:    logs,
		summary: summary,
	}
}

// Register mounts the routes on r.
func (h *KidsHandler) Register(r gin.IRouter) {
	r.POST("/api/kids", h.spawn)
	r.GET("/api/kids", h.list)
	r.GET("/api/kids/:pid", h.get)
	r.POST("/api/kids/:pid/signal", h.signal)
	r.GET("/api/kids/:pid/logs", h.kidLogs)
	r.DELETE("/api/kids", h.broadcastTerm)
	r.GET("/api/summary", h.poolSummary)
}

type spawnReq struct {
	Cmdline []string          `json:"cmdline"`
	ID      string            `json:"id"`
	Extra   map[string]string `json:"extra"`
}

type kidView struct {
	PID        int       `json:"pid"`
	ID         string    `json:"id,omitempty"`
	Cmdline    []string  `json:"cmdline"`
	StartedAt  time.Time `json:"started_at"`
	AgeSeconds float64   `json:"age_seconds"`
}

func viewOf(c *supervisor.Child) kidView {
	return kidView{
		PID:        c.PID,
		ID:         c.ID,
		Cmdline:    c.Cmdline,
		StartedAt:  c.StartedAt,
		AgeSeconds: c.Age().Seconds(),
	}
}

func (h *KidsHandler) spawn(c *gin.Context) {
	var req spawnReq
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil { /* schema mismatch: malformed JSON, unknown fields, wrong data type at JSON level */
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if len(req.Cmdline) == 0 { /* well-formed json, but content invalid */
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "cmdline must be a non-empty array"})
		return
	}

	// Admission on a full pool blocks until a reap; let clients opt out.
	if c.Query("nowait") == "1" && h.sup.Full() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "pool is full"})
		return
	}

	child, err := h.sup.Spawn(supervisor.SpawnSpec{
		Cmdline: req.Cmdline,
		ID:      req.ID,
		Extra:   req.Extra,
	})
	if err != nil {
		var serr *backend.SpawnError
		if errors.As(err, &serr) {
			_ = c.Error(err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.Header("Location", fmt.Sprintf("/api/kids/%d", child.PID))
	c.JSON(http.StatusCreated, viewOf(child))
}

func (h *KidsHandler) list(c *gin.Context) {
	kids := h.sup.Kids()
	views := make([]kidView, 0, len(kids))
	for _, k := range kids {
		views = append(views, viewOf(k))
	}
	c.Header("X-Total-Count", strconv.Itoa(len(views)))
	c.JSON(http.StatusOK, views)
}

func (h *KidsHandler) get(c *gin.Context) {
	pid, ok := h.pidParam(c)
	if !ok {
		return
	}
	child, ok := h.sup.Kid(pid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no such kid"})
		return
	}
	c.JSON(http.StatusOK, viewOf(child))
}

type signalReq struct {
	Signal string `json:"signal"`
}

func (h *KidsHandler) signal(c *gin.Context) {
	pid, ok := h.pidParam(c)
	if !ok {
		return
	}

	var req signalReq
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	child, ok := h.sup.Kid(pid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no such kid"})
		return
	}

	if sg, ok := child.Handle().(backend.Signaler); ok {
		err = sg.Signal(sig)
	} else {
		err = syscall.Kill(child.PID, sig)
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pid": pid, "signal": req.Signal})
}

func (h *KidsHandler) kidLogs(c *gin.Context) {
	pid, ok := h.pidParam(c)
	if !ok {
		return
	}

	lines := 0
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid lines"})
			return
		}
		lines = n
	}

	buf, ok := h.logs.Lookup(pid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no logs for pid"})
		return
	}
	out := buf.Read(lines)
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out) // newest → oldest
}

func (h *KidsHandler) broadcastTerm(c *gin.Context) {
	n := h.sup.CountKids()
	h.sup.SendSignal(syscall.SIGTERM)
	c.JSON(http.StatusOK, gin.H{"signalled": n})
}

func (h *KidsHandler) poolSummary(c *gin.Context) {
	if c.Query("force") == "1" {
		h.summary.Invalidate()
	}

	res, err := h.summary.Get(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.Header("X-Cache", map[bool]string{true: "HIT", false: "MISS"}[res.CacheHit])
	c.Header("X-Summary-Generated-At", strconv.FormatInt(res.GeneratedAt.UnixMilli(), 10))
	c.JSON(http.StatusOK, res.Data)
}

func (h *KidsHandler) pidParam(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid pid"})
		return 0, false
	}
	return pid, true
}

// parseSignal maps a symbolic name ("TERM", "SIGTERM") to the signal.
func parseSignal(name string) (syscall.Signal, error) {
	switch name {
	case "INT", "SIGINT":
		return syscall.SIGINT, nil
	case "TERM", "SIGTERM":
		return syscall.SIGTERM, nil
	case "KILL", "SIGKILL":
		return syscall.SIGKILL, nil
	case "HUP", "SIGHUP":
		return syscall.SIGHUP, nil
	case "QUIT", "SIGQUIT":
		return syscall.SIGQUIT, nil
	case "USR1", "SIGUSR1":
		return syscall.SIGUSR1, nil
	case "USR2", "SIGUSR2":
		return syscall.SIGUSR2, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
