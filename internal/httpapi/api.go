package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"billops/internal/dispatch"
	"billops/internal/errs"
	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

// Jobs is the orchestrator surface used by the API.
type Jobs interface {
	Run(ctx context.Context, t jobs.Type, trigger jobs.Trigger) (jobs.Run, error)
	Status(ctx context.Context) ([]jobs.JobStatus, error)
}

type Notifier interface {
	Send(ctx context.Context, phone, message string) dispatch.Result
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 64 << 10
)

// API holds the HTTP handlers. It is independent of the listener so tests
// can drive it with httptest.
type API struct {
	Jobs     Jobs
	History  jobs.History
	Notifier Notifier
	Log      logx.Logger
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/jobs/trigger", a.trigger)
	mux.HandleFunc("GET /api/jobs/history", a.history)
	mux.HandleFunc("GET /api/jobs/status", a.status)
	mux.HandleFunc("POST /api/notifications/send", a.send)
	return mux
}

func (a *API) trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := jobs.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job type")
		return
	}
	// A disconnecting client must not interrupt a run that already started.
	run, err := a.Jobs.Run(context.WithoutCancel(r.Context()), t, jobs.TriggerManual)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), err.Error())
		return
	}
	body, err := triggerResponse(run)
	if err != nil {
		a.Log.Error("encode trigger response failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// triggerResponse flattens the typed result next to success, e.g.
// {"success":true,"synced":3,...,"run":{...}}.
func triggerResponse(run jobs.Run) (map[string]any, error) {
	out := map[string]any{}
	if run.Result != nil {
		raw, err := json.Marshal(run.Result)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	out["success"] = run.Status == jobs.StatusSuccess
	if run.Error != "" {
		out["error"] = run.Error
	}
	out["run"] = run
	return out, nil
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{Limit: defaultHistoryLimit}
	if s := q.Get("type"); s != "" {
		t, err := jobs.ParseType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid job type")
			return
		}
		f.Type = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	runs, err := a.History.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	views, err := a.Jobs.Status(r.Context())
	if err != nil {
		// Views for the other types are still useful.
		a.Log.Warn("status partially unavailable", logx.Err(err))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Delivery failures are part of the result, not a transport error.
	writeJSON(w, http.StatusOK, a.Notifier.Send(r.Context(), req.Phone, req.Message))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
