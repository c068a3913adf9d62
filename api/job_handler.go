package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
)

const maxBodyBytes = 1 << 20

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	// FileRef names an input under inputs/<org>/ or an output of one of the
	// organization's own jobs.
	FileRef        string            `json:"file_ref"`
	ConversionType string            `json:"conversion_type"`
	Options        map[string]string `json:"options,omitempty"`
}

// SubmitJobResponse acknowledges an accepted submission.
type SubmitJobResponse struct {
	JobID  id.JobID   `json:"job_id"`
	Status job.Status `json:"status"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	t, userID := identity(r)

	var req SubmitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", docflow.ErrInvalidInput, err))
		return
	}

	ct, err := job.ParseConversionType(req.ConversionType)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := a.eng.Submit(r.Context(), t, userID, req.FileRef, ct, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+jobID.String())
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: jobID, Status: job.StatusPending})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	t, _ := identity(r)

	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	st, err := a.eng.GetStatus(r.Context(), t, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	t, userID := identity(r)

	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.eng.Cancel(r.Context(), t, jobID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	t, _ := identity(r)

	f, p, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	h, err := a.eng.GetHistory(r.Context(), t, f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func pathJobID(r *http.Request) (id.JobID, error) {
	jobID, err := id.ParseJobID(mux.Vars(r)["jobId"])
	if err != nil {
		return id.Nil, fmt.Errorf("%w: invalid job id: %v", docflow.ErrInvalidInput, err)
	}
	return jobID, nil
}

func parseHistoryQuery(q url.Values) (job.Filter, job.Page, error) {
	var (
		f job.Filter
		p job.Page
	)

	f.UserID = q.Get("user_id")

	if s := q.Get("status"); s != "" {
		f.Status = job.Status(s)
		if !f.Status.Valid() {
			return f, p, fmt.Errorf("%w: unknown status %q", docflow.ErrInvalidInput, s)
		}
	}
	if s := q.Get("conversion_type"); s != "" {
		ct, err := job.ParseConversionType(s)
		if err != nil {
			return f, p, err
		}
		f.ConversionType = ct
	}

	var err error
	if f.CreatedAfter, err = parseTime(q, "created_after"); err != nil {
		return f, p, err
	}
	if f.CreatedBefore, err = parseTime(q, "created_before"); err != nil {
		return f, p, err
	}
	if p.Limit, err = parseInt(q, "limit"); err != nil {
		return f, p, err
	}
	if p.Offset, err = parseInt(q, "offset"); err != nil {
		return f, p, err
	}
	return f, p, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", docflow.ErrInvalidInput, key)
	}
	return ts, nil
}

func parseInt(q url.Values, key string) (int, error) {
	s := q.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", docflow.ErrInvalidInput, key)
	}
	return n, nil
}
