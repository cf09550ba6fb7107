package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/dtos"
	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/stream"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

const dateLayout = "2006-01-02"

// PipelineHandler exposes the capture, sync, enrichment and reconcile
// operations. Mail and Analyst are optional.
type PipelineHandler struct {
	Credentials *services.CredentialService
	Syncer      *services.SyncService
	Enricher    *services.EnrichmentService
	Reconciler  *services.ReconcileService
	Mail        *services.EmailService
	Analyst     *services.AnalystService
	Runs        *services.Runs
	// DefaultName is used when a request does not name a credential.
	DefaultName string
	Log         zerolog.Logger
}

func (h *PipelineHandler) Register(r gin.IRouter) {
	r.PUT("/credentials/:name", h.PutCredential)
	r.GET("/credentials/:name", h.CredentialStatus)

	r.GET("/sync", h.Sync)
	r.GET("/backfill", h.Backfill)
	r.GET("/enrich", h.Enrich)
	r.POST("/reconcile", h.Reconcile)
	r.POST("/emails/sync", h.SyncEmails)
	r.POST("/jobs/analyze", h.Analyze)

	r.GET("/runs", h.ListRuns)
	r.POST("/runs/:id/cancel", h.CancelRun)
}

// PutCredential is the PUT /credentials/:name endpoint. The capture is
// either the raw request body or {"raw": "..."}.
func (h *PipelineHandler) PutCredential(c *gin.Context) {
	var raw string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req dtos.PutCredentialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format: " + err.Error()})
			return
		}
		raw = req.Raw
	} else {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body: " + err.Error()})
			return
		}
		raw = string(b)
	}

	cred, tmpl, err := h.Credentials.PutCredential(c.Request.Context(), c.Param("name"), raw)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, credentialResponse(cred.Name, cred.CSRFToken != "", cred.NeedsRefresh, cred.UpdatedAt, tmpl))
}

func (h *PipelineHandler) CredentialStatus(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	cred, err := h.Credentials.Status(ctx, name)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	row, err := h.Credentials.Store.Template(ctx, name)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, credentialResponse(cred.Name, cred.CSRFToken != "", cred.NeedsRefresh, cred.UpdatedAt, &row.Spec))
}

// Sync is the GET /sync endpoint. It runs to completion and answers with
// the counts.
func (h *PipelineHandler) Sync(c *gin.Context) {
	req, ok := h.syncRequest(c)
	if !ok {
		return
	}
	res, err := h.Syncer.Sync(c.Request.Context(), req, nil)
	if err != nil {
		h.fail(c, err, gin.H{"result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Backfill is the GET /backfill endpoint: every page, newest first, until
// a row applied before the cutoff date shows up. Progress streams as SSE.
func (h *PipelineHandler) Backfill(c *gin.Context) {
	req, ok := h.syncRequest(c)
	if !ok {
		return
	}
	req.Pages = voyager.PageSpec{Mode: voyager.All}
	if v := c.Query("cutoff"); v != "" {
		cutoff, err := time.Parse(dateLayout, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cutoff must be YYYY-MM-DD"})
			return
		}
		req.Cutoff = &cutoff
	}
	if !h.checkSession(c, req.Name) {
		return
	}
	run := h.Runs.Start(c.Request.Context(), services.RunBackfill, func(ctx context.Context, sink stream.Sink) error {
		_, err := h.Syncer.Sync(ctx, req, sink)
		return err
	})
	h.serveRun(c, run)
}

// Enrich is the GET /enrich endpoint. Progress streams as SSE.
func (h *PipelineHandler) Enrich(c *gin.Context) {
	r, err := parseRange(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := services.EnrichRequest{Name: h.name(c), Range: r}
	if !h.checkSession(c, req.Name) {
		return
	}
	run := h.Runs.Start(c.Request.Context(), services.RunEnrich, func(ctx context.Context, sink stream.Sink) error {
		_, err := h.Enricher.Run(ctx, req, sink)
		return err
	})
	h.serveRun(c, run)
}

func (h *PipelineHandler) Reconcile(c *gin.Context) {
	res, err := h.Reconciler.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) SyncEmails(c *gin.Context) {
	if h.Mail == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gmail is not configured"})
		return
	}
	res, err := h.Mail.SyncEmails(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) Analyze(c *gin.Context) {
	if h.Analyst == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no language model configured"})
		return
	}
	var req dtos.AnalyzeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format: " + err.Error()})
			return
		}
	}
	res, err := h.Analyst.Analyze(c.Request.Context(), req.Limit)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.Runs.List()})
}

func (h *PipelineHandler) CancelRun(c *gin.Context) {
	if err := h.Runs.Cancel(c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "cancelled": true})
}

// serveRun streams the run as server-sent events. With ?stream=false the
// run continues in the background and only its id is returned.
func (h *PipelineHandler) serveRun(c *gin.Context, run *services.Run) {
	if c.Query("stream") == "false" {
		run.Stream.Detach()
		c.JSON(http.StatusAccepted, dtos.RunStarted{RunID: run.ID, Kind: run.Kind})
		return
	}
	events, err := run.Stream.Subscribe()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	// The run keeps going when the client leaves; cancel it by id.
	defer run.Stream.Detach()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Run-ID", run.ID)
	c.Status(http.StatusOK)

	gone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: string(ev.Kind), Data: ev.Data}); err != nil {
				h.Log.Debug().Err(err).Str("run_id", run.ID).Msg("client write failed")
				return
			}
			c.Writer.Flush()
		case <-gone:
			h.Log.Info().Str("run_id", run.ID).Msg("client disconnected, run continues")
			return
		}
	}
}

func (h *PipelineHandler) syncRequest(c *gin.Context) (services.SyncRequest, bool) {
	req := services.SyncRequest{Name: h.name(c)}
	if v := c.Query("card_type"); v != "" {
		ct, err := voyager.ParseCardType(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return req, false
		}
		req.CardType = ct
	}
	pages, err := voyager.ParsePages(c.Query("pages"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	req.Pages = pages
	return req, true
}

// checkSession answers 404 before any stream starts when nothing was
// captured under name.
func (h *PipelineHandler) checkSession(c *gin.Context, name string) bool {
	if _, _, err := h.Credentials.Session(c.Request.Context(), name); err != nil {
		h.fail(c, err, nil)
		return false
	}
	return true
}

func (h *PipelineHandler) name(c *gin.Context) string {
	if v := c.Query("name"); v != "" {
		return v
	}
	return h.DefaultName
}

// fail maps pipeline errors onto HTTP statuses.
func (h *PipelineHandler) fail(c *gin.Context, err error, extra gin.H) {
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(statusFor(err), body)
}

func statusFor(err error) int {
	var perr *capture.ParseError
	switch {
	case errors.As(err, &perr):
		return http.StatusBadRequest
	case errors.Is(err, voyager.ErrBlocked):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound), errors.Is(err, services.ErrNoSession), errors.Is(err, services.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// parseRange reads from/to as dates or RFC 3339 timestamps. A bare to date
// includes that whole day.
func parseRange(from, to string) (store.TimeRange, error) {
	var r store.TimeRange
	if from != "" {
		t, err := parseTime(from, false)
		if err != nil {
			return r, errors.New("from must be YYYY-MM-DD or RFC 3339")
		}
		r.From = &t
	}
	if to != "" {
		t, err := parseTime(to, true)
		if err != nil {
			return r, errors.New("to must be YYYY-MM-DD or RFC 3339")
		}
		r.To = &t
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return r, errors.New("to is before from")
	}
	return r, nil
}

func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func credentialResponse(name string, hasCSRF, needsRefresh bool, updated time.Time, tmpl *capture.Template) dtos.CredentialResponse {
	resp := dtos.CredentialResponse{
		Name:         name,
		HasCSRF:      hasCSRF,
		NeedsRefresh: needsRefresh,
		UpdatedAt:    updated,
	}
	if tmpl != nil {
		resp.Method = tmpl.Method
		resp.BaseURL = tmpl.BaseURL
		resp.PageSize = tmpl.PageSize
		resp.Cookies = len(tmpl.Cookies)
	}
	return resp
}
