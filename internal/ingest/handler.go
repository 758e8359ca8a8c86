package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"rcs/internal/logger"
	"rcs/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	v1.PUT("/occurrences", h.Submit)
}

// Submit godoc
// @Summary      Submit an event occurrence
// @Description  Validates event_data against the event schema and queues the occurrence for rule evaluation. Resubmitting a business key returns the stored occurrence.
// @Tags         occurrences
// @Accept       json
// @Produce      json
// @Param        occurrence  body      SubmitRequest  true  "Occurrence"
// @Success      201         {object}  SubmitResponse
// @Success      200         {object}  SubmitResponse
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      404         {object}  errors.ErrorResponse
// @Failure      422         {object}  errors.ErrorResponse
// @Router       /occurrences [put]
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := bindNumbers(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err).WithMessage("%v", err)))
		return
	}

	resp, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		h.logger.WarnwCtx(c.Request.Context(), "Occurrence rejected",
			"error", err,
			"event_name", req.EventName,
		)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// bindNumbers decodes the body keeping numbers as json.Number so decimal
// amounts never pass through float64.
func bindNumbers(c *gin.Context, req *SubmitRequest) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(req); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(req)
}
