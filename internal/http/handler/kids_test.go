package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/cmdpool/internal/infrastructure/logbuf"
	"github.com/edirooss/cmdpool/internal/service"
	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/pkg/supervisor/backend/backendtest"
)

func newTestRouter(t *testing.T) (*gin.Engine, *supervisor.Supervisor, *backendtest.Backend, *logbuf.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := backendtest.New()
	name := "fake-" + t.Name()
	fake.Register(name)

	sup, err := supervisor.New(supervisor.Options{MaxKids: 4, Backend: name})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(sup.Close)

	logs := logbuf.NewManager()
	summary := service.NewSummaryService(zap.NewNop(), sup, 4, nil, service.SummaryOptions{
		TTL: time.Millisecond,
	})

	r := gin.New()
	NewKidsHandler(zap.NewNop(), sup, logs, summary).Register(r)
	return r, sup, fake, logs
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSpawnAndList(t *testing.T) {
	r, sup, _, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/kids", `{"cmdline":["sleep","1"],"id":"k1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("spawn status = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		PID int    `json:"pid"`
		ID  string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad spawn body: %v", err)
	}
	if created.PID == 0 || created.ID != "k1" {
		t.Fatalf("created = %+v", created)
	}
	if loc := w.Header().Get("Location"); loc == "" {
		t.Error("missing Location header")
	}

	w = do(r, http.MethodGet, "/api/kids", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if n := w.Header().Get("X-Total-Count"); n != "1" {
		t.Errorf("X-Total-Count = %q, want 1", n)
	}
	if sup.CountKids() != 1 {
		t.Errorf("count_kids = %d, want 1", sup.CountKids())
	}
}

func TestSpawnRejectsBadBodies(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	cases := []struct {
		body string
		want int
	}{
		{``, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"cmdline":["x"],"bogus":1}`, http.StatusBadRequest},
		{`{"cmdline":[]}`, http.StatusUnprocessableEntity},
		{`{"id":"only"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if w := do(r, http.MethodPost, "/api/kids", tc.body); w.Code != tc.want {
			t.Errorf("body %q: status = %d, want %d", tc.body, w.Code, tc.want)
		}
	}
}

func TestGetAndSignalKid(t *testing.T) {
	r, sup, fake, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/kids", `{"cmdline":["job"],"id":"sig-target"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("spawn status = %d", w.Code)
	}
	var created struct {
		PID int `json:"pid"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	pidPath := "/api/kids/" + strconv.Itoa(created.PID)
	if w := do(r, http.MethodGet, pidPath, ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/kids/99999", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown pid status = %d, want 404", w.Code)
	}

	if w := do(r, http.MethodPost, pidPath+"/signal", `{"signal":"TERM"}`); w.Code != http.StatusOK {
		t.Fatalf("signal status = %d, body %s", w.Code, w.Body.String())
	}
	h := fake.Handles()[created.PID]
	if sigs := h.Signals(); len(sigs) != 1 {
		t.Fatalf("handle signals = %v, want one TERM", sigs)
	}

	if w := do(r, http.MethodPost, pidPath+"/signal", `{"signal":"NOPE"}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad signal status = %d, want 422", w.Code)
	}

	// The fake dies on TERM; the next sweep reaps it.
	sup.Sweep()
	if sup.CountKids() != 0 {
		t.Errorf("count_kids = %d after reap, want 0", sup.CountKids())
	}
}

func TestKidLogsAndSummary(t *testing.T) {
	r, _, _, logs := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/kids", `{"cmdline":["noisy"]}`)
	var created struct {
		PID int `json:"pid"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	buf := logs.Get(created.PID)
	buf.Append("first")
	buf.Append("second")

	w = do(r, http.MethodGet, "/api/kids/"+strconv.Itoa(created.PID)+"/logs?lines=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs status = %d", w.Code)
	}
	var lines []string
	if err := json.Unmarshal(w.Body.Bytes(), &lines); err != nil {
		t.Fatalf("bad logs body: %v", err)
	}
	if len(lines) != 2 || lines[0] != "second" {
		t.Fatalf("lines = %v, want newest first", lines)
	}

	w = do(r, http.MethodGet, "/api/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d", w.Code)
	}
	var sum struct {
		Count      int   `json:"count"`
		MaxKids    int   `json:"max_kids"`
		QueuedJobs int64 `json:"queued_jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("bad summary body: %v", err)
	}
	if sum.Count != 1 || sum.MaxKids != 4 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.QueuedJobs != -1 {
		t.Errorf("queued_jobs = %d, want -1 with no queue attached", sum.QueuedJobs)
	}
}

