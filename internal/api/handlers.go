package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/evidentia/internal/collab"
	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
	"github.com/ppiankov/evidentia/internal/tension"
	"github.com/ppiankov/evidentia/internal/worker"
)

// ActorHeader names the caller on whose behalf a request acts
const ActorHeader = "X-Evidentia-Actor"

// Handlers serves the engine surface
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates handlers for e
func NewHandlers(e *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: e, logger: logger}
}

func actor(c *gin.Context) string {
	return c.GetHeader(ActorHeader)
}

// statusFor maps an engine error to an HTTP status and error code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrArchiveDisabled):
		return http.StatusNotImplemented, "ARCHIVE_DISABLED"
	case errors.Is(err, collab.ErrUnavailable):
		return http.StatusServiceUnavailable, "COLLABORATOR_UNAVAILABLE"
	case errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}

	code := model.CodeOf(err)
	switch code {
	case model.CodeInvalidInput:
		return http.StatusBadRequest, string(code)
	case model.CodeNotFound:
		return http.StatusNotFound, string(code)
	case model.CodeVersionConflict, model.CodeAlreadyResolved, model.CodeInvalidTransition, model.CodeAwaitingDecision:
		return http.StatusConflict, string(code)
	case model.CodeGridLocked:
		return http.StatusLocked, string(code)
	case model.CodeExtractionFailure:
		return http.StatusBadGateway, string(code)
	}
	return http.StatusInternalServerError, string(code)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var locked *model.GridLockedError
	if errors.As(err, &locked) {
		resp.Details = "blocked by grid " + locked.BlockingGridID
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request",
		Code:    string(model.CodeInvalidInput),
		Details: err.Error(),
	})
}

// Fragments

// HandleIngest ingests one fragment. With async set the fragment is queued
// on the task pool and 202 is returned.
func (h *Handlers) HandleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f := req.Fragment()

	if req.Async {
		if _, err := h.engine.Submit(c.Request.Context(), f, actor(c)); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{FragmentID: f.EnsureID(), Queued: true})
		return
	}

	out, err := h.engine.IngestFragment(c.Request.Context(), f, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if out.Status == model.FragmentPending {
		status = http.StatusAccepted
	}
	c.JSON(status, out)
}

// HandleRetryPending routes every fragment still pending
func (h *Handlers) HandleRetryPending(c *gin.Context) {
	out, err := h.engine.RetryPending(c.Request.Context(), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(out))
}

// HandleListFragments lists fragments, filtered by ?status=
func (h *Handlers) HandleListFragments(c *gin.Context) {
	c.JSON(http.StatusOK, list(h.engine.Fragments(model.FragmentStatus(c.Query("status")))))
}

// HandleGetFragment returns one fragment
func (h *Handlers) HandleGetFragment(c *gin.Context) {
	f, err := h.engine.Fragment(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// HandleRejectFragment rejects a fragment on behalf of the caller
func (h *Handlers) HandleRejectFragment(c *gin.Context) {
	f, err := h.engine.RejectFragment(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// HandleIngestDocument loads a file or URL and ingests what the extraction
// collaborator finds in it
func (h *Handlers) HandleIngestDocument(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.engine.IngestDocument(c.Request.Context(), req.Source, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Decisions

// HandleListDecisions lists decisions, filtered by query parameters
func (h *Handlers) HandleListDecisions(c *gin.Context) {
	var filter model.DecisionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, list(h.engine.ListPendingDecisions(filter)))
}

// HandleGetDecision returns one decision
func (h *Handlers) HandleGetDecision(c *gin.Context) {
	d, err := h.engine.GetDecision(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// HandleResolveDecision applies a choice. Replaying the recorded choice
// returns the recorded outcome with replayed set.
func (h *Handlers) HandleResolveDecision(c *gin.Context) {
	var choice model.Choice
	if err := c.ShouldBindJSON(&choice); err != nil {
		badRequest(c, err)
		return
	}
	if choice.Actor == "" {
		choice.Actor = actor(c)
	}
	out, err := h.engine.ResolveDecision(c.Request.Context(), c.Param("id"), choice)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleReevaluateDecision regenerates a decision's interpretations
func (h *Handlers) HandleReevaluateDecision(c *gin.Context) {
	d, err := h.engine.ReevaluateDecision(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Grids and cells

// HandleListGrids lists every grid
func (h *Handlers) HandleListGrids(c *gin.Context) {
	c.JSON(http.StatusOK, list(h.engine.Grids()))
}

// HandleCreateGrid creates a grid
func (h *Handlers) HandleCreateGrid(c *gin.Context) {
	var req GridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, err := h.engine.CreateGrid(c.Request.Context(), store.GridInput{
		ID:            req.ID,
		Name:          req.Name,
		Phase:         req.Phase,
		Dependencies:  req.Dependencies,
		UnitIDs:       req.UnitIDs,
		Vocabulary:    req.Vocabulary,
		PredicamentID: req.PredicamentID,
	}, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// HandleSnapshot returns a grid with its cells, relationships and units
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	snap, err := h.engine.Snapshot(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleGridHealth returns a grid's health breakdown
func (h *Handlers) HandleGridHealth(c *gin.Context) {
	hb, err := h.engine.GetGridHealth(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hb)
}

// HandleRecompute records a grid's health now
func (h *Handlers) HandleRecompute(c *gin.Context) {
	hb, err := h.engine.RecomputeHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hb)
}

// HandleOverride records a gate override for the grid
func (h *Handlers) HandleOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.engine.OverrideGate(c.Request.Context(), c.Param("id"), req.BlockingGridID, actor(c), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// HandleUpsertCell writes a cell at the expected version
func (h *Handlers) HandleUpsertCell(c *gin.Context) {
	var req CellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cell, err := h.engine.UpsertCell(c.Request.Context(), store.CellWrite{
		GridID:      c.Param("id"),
		CellID:      c.Param("cell"),
		Type:        req.Type,
		UnitID:      req.UnitID,
		Content:     req.Content,
		Confidence:  req.Confidence,
		FragmentIDs: req.FragmentIDs,
		References:  req.References,
	}, req.ExpectedVersion, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cell)
}

// HandleRevalidate clears a cell's stale flag
func (h *Handlers) HandleRevalidate(c *gin.Context) {
	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cell, err := h.engine.Revalidate(c.Request.Context(), c.Param("id"), c.Param("cell"), req.ExpectedVersion, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cell)
}

// HandleLinkRelationship links two cells or units
func (h *Handlers) HandleLinkRelationship(c *gin.Context) {
	var req RelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rel, err := h.engine.LinkRelationship(c.Request.Context(), store.RelationshipInput{
		ID:            req.ID,
		Type:          req.Type,
		From:          req.From,
		To:            req.To,
		Bidirectional: req.Bidirectional,
		Confidence:    req.Confidence,
	}, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

// Units

// HandleListUnits lists units, filtered by ?type=
func (h *Handlers) HandleListUnits(c *gin.Context) {
	c.JSON(http.StatusOK, list(h.engine.Units(c.Query("type"))))
}

// HandleCreateUnit creates a unit
func (h *Handlers) HandleCreateUnit(c *gin.Context) {
	var req UnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, err := h.engine.CreateUnit(c.Request.Context(), store.UnitInput{
		ID:         req.ID,
		Type:       req.Type,
		Content:    req.Content,
		Attributes: req.Attributes,
		Status:     model.UnitActive,
	}, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

// HandleUpdateUnit changes a unit's content or attributes
func (h *Handlers) HandleUpdateUnit(c *gin.Context) {
	var req UnitUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, err := h.engine.UpdateUnit(c.Request.Context(), c.Param("id"), req.ExpectedVersion, req.Content, req.Attributes, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// HandleDeprecateUnit retires a unit
func (h *Handlers) HandleDeprecateUnit(c *gin.Context) {
	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, err := h.engine.DeprecateUnit(c.Request.Context(), c.Param("id"), req.ExpectedVersion, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Predicaments

// HandleListPredicaments lists predicaments, filtered by query parameters
func (h *Handlers) HandleListPredicaments(c *gin.Context) {
	var filter model.PredicamentFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, list(h.engine.ListPredicaments(filter)))
}

// HandleGetPredicament returns one predicament, acknowledging it on read
// when auto-acknowledgment is enabled
func (h *Handlers) HandleGetPredicament(c *gin.Context) {
	p, err := h.engine.GetPredicament(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleTransitionPredicament moves a predicament along its lifecycle
func (h *Handlers) HandleTransitionPredicament(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.engine.TransitionPredicament(c.Request.Context(), c.Param("id"), req.State, req.Note, actor(c),
		tension.TransitionOptions{CreateAnalysisGrid: req.CreateAnalysisGrid})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleSuppressPredicament hides a predicament
func (h *Handlers) HandleSuppressPredicament(c *gin.Context) {
	p, err := h.engine.SuppressPredicament(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleScan runs tension detection
func (h *Handlers) HandleScan(c *gin.Context) {
	var req ScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := h.engine.Scan(c.Request.Context(), req.GridID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Audits

// HandleRunAudit builds a gap report, archiving it when save is set
func (h *Handlers) HandleRunAudit(c *gin.Context) {
	var req AuditRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	report, err := h.engine.RunAudit(c.Request.Context(), req.AuditScope, req.Save)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleAuditHistory lists archived reports, newest first
func (h *Handlers) HandleAuditHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		badRequest(c, errors.New("limit must be a non-negative integer"))
		return
	}
	entries, err := h.engine.AuditHistory(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(entries))
}

// HandleGetAudit returns one archived report
func (h *Handlers) HandleGetAudit(c *gin.Context) {
	report, err := h.engine.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Events and seeding

// HandleEvents returns retained change events after ?after=
func (h *Handlers) HandleEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		badRequest(c, errors.New("limit must be a non-negative integer"))
		return
	}
	c.JSON(http.StatusOK, list(h.engine.Events(after, limit)))
}

// HandleSeed writes a YAML seed in one transaction
func (h *Handlers) HandleSeed(c *gin.Context) {
	var seed engine.SeedFile
	if err := c.ShouldBindYAML(&seed); err != nil {
		badRequest(c, err)
		return
	}
	sum, err := h.engine.Seed(c.Request.Context(), &seed, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sum)
}

// HandleHealth reports liveness
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
