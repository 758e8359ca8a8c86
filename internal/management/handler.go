package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/middleware"
)

const (
	changeReasonHeader = "X-Change-Reason"
	anonymousActor     = "anonymous"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

// RegisterRoutes mounts the API on router. Authentication, when enabled, must
// run before these handlers so the actor carries the token subject.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1", withActor)
	{
		events := v1.Group("/events")
		{
			events.GET("", h.ListEvents)
			events.POST("", h.CreateEvent)
			events.GET("/:id", h.GetEvent)
			events.PUT("/:id", h.UpdateEvent)
			events.DELETE("/:id", h.DeleteEvent)
			events.POST("/:id/rules/:rule_id", h.AttachEventRule)
			events.DELETE("/:id/rules/:rule_id", h.DetachEventRule)
		}

		scenes := v1.Group("/scenes")
		{
			scenes.GET("", h.ListScenes)
			scenes.POST("", h.CreateScene)
			scenes.GET("/:id", h.GetScene)
			scenes.PUT("/:id", h.UpdateScene)
			scenes.DELETE("/:id", h.DeleteScene)
			scenes.POST("/:id/rules/:rule_id", h.AttachSceneRule)
			scenes.DELETE("/:id/rules/:rule_id", h.DetachSceneRule)
		}

		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.PUT("/:id/status", h.SetRuleStatus)
			rules.DELETE("/:id", h.DeleteRule)
		}

		occurrences := v1.Group("/occurrences")
		{
			occurrences.GET("", h.ListOccurrences)
			occurrences.GET("/:id", h.GetOccurrence)
			occurrences.GET("/:id/statistics/:kind", h.GetStatistics)
			occurrences.POST("/:id/punishments", h.IssuePunishment)
		}

		v1.GET("/punitive-actions", h.ListPunitiveActions)

		audit := v1.Group("/audit")
		{
			audit.GET("/logs", h.GetAuditLogs)
		}
	}
}

// withActor copies the authenticated subject and client address into the
// request context.
func withActor(c *gin.Context) {
	subject := c.GetString(middleware.SubjectKey)
	if subject == "" {
		subject = anonymousActor
	}
	ctx := WithActor(c.Request.Context(), Actor{
		Subject: subject,
		IP:      c.ClientIP(),
		Reason:  c.GetHeader(changeReasonHeader),
	})
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// ListEvents godoc
// @Summary      List event definitions
// @Tags         events
// @Produce      json
// @Param        offset  query     int  false  "Offset"
// @Param        limit   query     int  false  "Limit"
// @Success      200     {object}  ListResponse[domain.EventDefinition]
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /events [get]
func (h *Handler) ListEvents(c *gin.Context) {
	page := parsePage(c)
	items, total, err := h.Service.ListEvents(c.Request.Context(), page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(items, total, page))
}

// CreateEvent godoc
// @Summary      Create an event definition
// @Description  The payload schema is checked before the event is stored.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        event  body      CreateEventRequest  true  "Event"
// @Success      201    {object}  domain.EventDefinition
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      409    {object}  errors.ErrorResponse
// @Router       /events [post]
func (h *Handler) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if !h.bind(c, &req) {
		return
	}
	ev, err := h.Service.CreateEvent(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// GetEvent godoc
// @Summary      Get an event definition
// @Tags         events
// @Produce      json
// @Param        id   path      string  true  "Event ID"
// @Success      200  {object}  domain.EventDefinition
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id} [get]
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.Service.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// UpdateEvent godoc
// @Summary      Update an event definition
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        id     path      string              true  "Event ID"
// @Param        event  body      UpdateEventRequest  true  "Changed fields"
// @Success      200    {object}  domain.EventDefinition
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /events/{id} [put]
func (h *Handler) UpdateEvent(c *gin.Context) {
	var req UpdateEventRequest
	if !h.bind(c, &req) {
		return
	}
	ev, err := h.Service.UpdateEvent(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// DeleteEvent godoc
// @Summary      Delete an event definition
// @Description  Scenes that listed the event are detached from it.
// @Tags         events
// @Param        id   path  string  true  "Event ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id} [delete]
func (h *Handler) DeleteEvent(c *gin.Context) {
	if err := h.Service.DeleteEvent(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AttachEventRule godoc
// @Summary      Attach a rule to an event
// @Tags         events
// @Param        id       path  string  true  "Event ID"
// @Param        rule_id  path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id}/rules/{rule_id} [post]
func (h *Handler) AttachEventRule(c *gin.Context) {
	if err := h.Service.AttachEventRule(c.Request.Context(), c.Param("id"), c.Param("rule_id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DetachEventRule godoc
// @Summary      Detach a rule from an event
// @Tags         events
// @Param        id       path  string  true  "Event ID"
// @Param        rule_id  path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id}/rules/{rule_id} [delete]
func (h *Handler) DetachEventRule(c *gin.Context) {
	if err := h.Service.DetachEventRule(c.Request.Context(), c.Param("id"), c.Param("rule_id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListScenes godoc
// @Summary      List scene definitions
// @Tags         scenes
// @Produce      json
// @Param        category  query     string  false  "Category"
// @Param        offset    query     int     false  "Offset"
// @Param        limit     query     int     false  "Limit"
// @Success      200       {object}  ListResponse[domain.SceneDefinition]
// @Router       /scenes [get]
func (h *Handler) ListScenes(c *gin.Context) {
	page := parsePage(c)
	items, total, err := h.Service.ListScenes(c.Request.Context(), c.Query("category"), page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(items, total, page))
}

// CreateScene godoc
// @Summary      Create a scene definition
// @Tags         scenes
// @Accept       json
// @Produce      json
// @Param        scene  body      CreateSceneRequest  true  "Scene"
// @Success      201    {object}  domain.SceneDefinition
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      409    {object}  errors.ErrorResponse
// @Router       /scenes [post]
func (h *Handler) CreateScene(c *gin.Context) {
	var req CreateSceneRequest
	if !h.bind(c, &req) {
		return
	}
	sc, err := h.Service.CreateScene(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

// GetScene godoc
// @Summary      Get a scene definition
// @Tags         scenes
// @Produce      json
// @Param        id   path      string  true  "Scene ID"
// @Success      200  {object}  domain.SceneDefinition
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /scenes/{id} [get]
func (h *Handler) GetScene(c *gin.Context) {
	sc, err := h.Service.GetScene(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// UpdateScene godoc
// @Summary      Update a scene definition
// @Tags         scenes
// @Accept       json
// @Produce      json
// @Param        id     path      string              true  "Scene ID"
// @Param        scene  body      UpdateSceneRequest  true  "Changed fields"
// @Success      200    {object}  domain.SceneDefinition
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /scenes/{id} [put]
func (h *Handler) UpdateScene(c *gin.Context) {
	var req UpdateSceneRequest
	if !h.bind(c, &req) {
		return
	}
	sc, err := h.Service.UpdateScene(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// DeleteScene godoc
// @Summary      Delete a scene definition
// @Tags         scenes
// @Param        id   path  string  true  "Scene ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /scenes/{id} [delete]
func (h *Handler) DeleteScene(c *gin.Context) {
	if err := h.Service.DeleteScene(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AttachSceneRule godoc
// @Summary      Attach a rule to a scene
// @Tags         scenes
// @Param        id       path  string  true  "Scene ID"
// @Param        rule_id  path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /scenes/{id}/rules/{rule_id} [post]
func (h *Handler) AttachSceneRule(c *gin.Context) {
	if err := h.Service.AttachSceneRule(c.Request.Context(), c.Param("id"), c.Param("rule_id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DetachSceneRule godoc
// @Summary      Detach a rule from a scene
// @Tags         scenes
// @Param        id       path  string  true  "Scene ID"
// @Param        rule_id  path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /scenes/{id}/rules/{rule_id} [delete]
func (h *Handler) DetachSceneRule(c *gin.Context) {
	if err := h.Service.DetachSceneRule(c.Request.Context(), c.Param("id"), c.Param("rule_id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRules godoc
// @Summary      List rules
// @Tags         rules
// @Produce      json
// @Param        tenant  query     string  false  "Tenant"
// @Param        status  query     string  false  "on or off"
// @Param        name    query     string  false  "Name prefix"
// @Param        offset  query     int     false  "Offset"
// @Param        limit   query     int     false  "Limit"
// @Success      200     {object}  ListResponse[domain.RuleDefinition]
// @Router       /rules [get]
func (h *Handler) ListRules(c *gin.Context) {
	page := parsePage(c)
	filter := store.RuleFilter{
		Tenant: c.Query("tenant"),
		Status: domain.RuleStatus(c.Query("status")),
		Name:   c.Query("name"),
	}
	items, total, err := h.Service.ListRules(c.Request.Context(), filter, page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(items, total, page))
}

// CreateRule godoc
// @Summary      Create a rule
// @Description  The authoring tree in origin is translated to the stored expression. Rules start off unless status is set.
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      CreateRuleRequest  true  "Rule"
// @Success      201   {object}  domain.RuleDefinition
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /rules [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if !h.bind(c, &req) {
		return
	}
	rule, err := h.Service.CreateRule(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule godoc
// @Summary      Get a rule
// @Tags         rules
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}  domain.RuleDefinition
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.Service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule godoc
// @Summary      Update a rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "Rule ID"
// @Param        rule  body      UpdateRuleRequest  true  "Changed fields"
// @Success      200   {object}  domain.RuleDefinition
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if !h.bind(c, &req) {
		return
	}
	rule, err := h.Service.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// SetRuleStatus godoc
// @Summary      Switch a rule on or off
// @Tags         rules
// @Accept       json
// @Param        id      path  string             true  "Rule ID"
// @Param        status  body  RuleStatusRequest  true  "Status"
// @Success      204
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id}/status [put]
func (h *Handler) SetRuleStatus(c *gin.Context) {
	var req RuleStatusRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Service.SetRuleStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteRule godoc
// @Summary      Delete a rule
// @Description  The rule is detached from every event and scene first.
// @Tags         rules
// @Param        id   path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.Service.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListOccurrences godoc
// @Summary      List occurrences
// @Tags         occurrences
// @Produce      json
// @Param        tenant      query     string  false  "Tenant"
// @Param        user_id     query     string  false  "User ID"
// @Param        event_name  query     string  false  "Event name"
// @Param        decided     query     bool    false  "Decided"
// @Param        processed   query     bool    false  "Processed"
// @Param        offset      query     int     false  "Offset"
// @Param        limit       query     int     false  "Limit"
// @Success      200         {object}  ListResponse[domain.Occurrence]
// @Failure      400         {object}  errors.ErrorResponse
// @Router       /occurrences [get]
func (h *Handler) ListOccurrences(c *gin.Context) {
	decided, err := parseOptionalBool(c, "decided")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	processed, err := parseOptionalBool(c, "processed")
	if err != nil {
		h.HandleError(c, err)
		return
	}

	page := parsePage(c)
	filter := store.OccurrenceFilter{
		Tenant:    c.Query("tenant"),
		UserID:    c.Query("user_id"),
		EventName: c.Query("event_name"),
		Decided:   decided,
		Processed: processed,
	}
	items, total, err := h.Service.ListOccurrences(c.Request.Context(), filter, page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(items, total, page))
}

// GetOccurrence godoc
// @Summary      Get an occurrence with its match results and punitive actions
// @Tags         occurrences
// @Produce      json
// @Param        id   path      string  true  "Occurrence ID"
// @Success      200  {object}  OccurrenceDetail
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /occurrences/{id} [get]
func (h *Handler) GetOccurrence(c *gin.Context) {
	detail, err := h.Service.GetOccurrence(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetStatistics godoc
// @Summary      Withdraw or recharge statistics for an occurrence's user
// @Description  Per-coin totals up to the occurrence. Withdraw statistics also describe the destination address.
// @Tags         occurrences
// @Produce      json
// @Param        id    path      string  true  "Occurrence ID"
// @Param        kind  path      string  true  "withdraw or recharge"
// @Success      200   {object}  Statistics
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /occurrences/{id}/statistics/{kind} [get]
func (h *Handler) GetStatistics(c *gin.Context) {
	stats, err := h.Service.Statistics(c.Request.Context(), c.Param("id"), c.Param("kind"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// IssuePunishment godoc
// @Summary      Issue a manual punishment for an occurrence
// @Description  The authenticated operator is recorded as the handler.
// @Tags         punitive-actions
// @Accept       json
// @Produce      json
// @Param        id          path      string                   true  "Occurrence ID"
// @Param        punishment  body      ManualPunishmentRequest  true  "Punishment"
// @Success      201         {object}  domain.PunitiveAction
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      404         {object}  errors.ErrorResponse
// @Router       /occurrences/{id}/punishments [post]
func (h *Handler) IssuePunishment(c *gin.Context) {
	var req ManualPunishmentRequest
	if !h.bind(c, &req) {
		return
	}
	action, err := h.Service.IssuePunishment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

// ListPunitiveActions godoc
// @Summary      List punitive actions
// @Tags         punitive-actions
// @Produce      json
// @Param        occurrence_id  query     string  false  "Occurrence ID"
// @Param        user_id        query     string  false  "User ID"
// @Param        tenant         query     string  false  "Tenant"
// @Param        action         query     string  false  "Action"
// @Param        offset         query     int     false  "Offset"
// @Param        limit          query     int     false  "Limit"
// @Success      200            {object}  ListResponse[domain.PunitiveAction]
// @Router       /punitive-actions [get]
func (h *Handler) ListPunitiveActions(c *gin.Context) {
	page := parsePage(c)
	filter := store.PunitiveActionFilter{
		OccurrenceID: c.Query("occurrence_id"),
		UserID:       c.Query("user_id"),
		Tenant:       c.Query("tenant"),
		Action:       domain.Action(c.Query("action")),
	}
	items, total, err := h.Service.ListPunitiveActions(c.Request.Context(), filter, page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse(items, total, page))
}

// GetAuditLogs godoc
// @Summary      List audit logs
// @Tags         audit
// @Produce      json
// @Param        entity_type  query     string  false  "event, scene, rule or punitive_action"
// @Param        entity_id    query     string  false  "Entity ID"
// @Param        limit        query     int     false  "Limit"
// @Success      200          {array}   AuditLog
// @Failure      500          {object}  errors.ErrorResponse
// @Router       /audit/logs [get]
func (h *Handler) GetAuditLogs(c *gin.Context) {
	logs, err := h.Service.GetAuditLogs(c.Request.Context(), AuditFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      parseLimit(c.Query("limit")),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return false
	}
	return true
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}

func parsePage(c *gin.Context) store.Page {
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil || offset < 0 {
		offset = 0
	}
	return store.Page{Offset: offset, Limit: int64(parseLimit(c.Query("limit")))}
}

func parseOptionalBool(c *gin.Context, key string) (*bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.ErrValidation.WithMessage("query %s: %q is not a boolean", key, raw)
	}
	return &v, nil
}

func listResponse[T any](items []T, total int64, page store.Page) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: total, Offset: page.Offset, Limit: page.Limit}
}
