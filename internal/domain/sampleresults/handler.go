package sampleresults

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, lab_tech, lab_manager
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabTech, auth.RoleLabManager))
	readGroup.GET("/samples", h.ListSamples)
	readGroup.GET("/samples/:uuid", h.GetSample)
	readGroup.GET("/samples/:uuid/view", h.GetView)
	readGroup.GET("/samples/:uuid/history", h.GetHistory)
	readGroup.GET("/samples/:uuid/dispatch-intents", h.GetSampleIntents)
	readGroup.GET("/messages", h.GetMessages)
	readGroup.POST("/samples/:uuid/details/toggle", h.ToggleDetails)
	readGroup.POST("/samples/:uuid/more-details/toggle", h.ToggleMoreDetails)
	readGroup.POST("/samples/:uuid/visit", h.LoadVisit)
	readGroup.DELETE("/session", h.EndSession)

	// Status endpoints – admin, lab_manager
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager))
	writeGroup.POST("/samples/:uuid/release", h.Release)
	writeGroup.POST("/samples/:uuid/restrict", h.Restrict)
	writeGroup.POST("/samples/:uuid/send", h.Send)
	writeGroup.GET("/samples/:uuid/verification", h.OpenVerification)
	writeGroup.DELETE("/samples/:uuid/verification", h.CloseVerification)
	writeGroup.GET("/dispatch-intents", h.ListIntents)
	writeGroup.POST("/dispatch-intents/:id/retry", h.RetryIntent)
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "no user in request")
	}
	return h.svc.Sessions().ForUser(uid), nil
}

func queryFromContext(c echo.Context) SampleQuery {
	withResults, _ := strconv.ParseBool(c.QueryParam("with_results"))
	return SampleQuery{
		Department:  c.QueryParam("department"),
		StartDate:   c.QueryParam("start_date"),
		EndDate:     c.QueryParam("end_date"),
		SearchText:  c.QueryParam("q"),
		WithResults: withResults,
	}
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	var te *TransportError
	switch {
	case errors.Is(err, ErrSampleNotFound), errors.Is(err, ErrIntentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDispatchInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrMappingGap),
		errors.Is(err, ErrNoResult), errors.Is(err, ErrMissingExternalContext):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// -- Sample list --

// ListSamples always returns the full reloaded list.
func (h *Handler) ListSamples(c echo.Context) error {
	items, err := h.svc.ListCompleted(c.Request().Context(), queryFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sampleList{Data: items, Total: len(items)})
}

type sampleList struct {
	Data  []*Sample `json:"data"`
	Total int       `json:"total"`
}

func (h *Handler) GetSample(c echo.Context) error {
	smp, err := h.svc.GetSample(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, smp)
}

// -- Release / restrict --

type statusRequest struct {
	Confirmed bool   `json:"confirmed"`
	Remarks   string `json:"remarks"`
}

func (h *Handler) Release(c echo.Context) error {
	return h.updateStatus(c, ActionRelease)
}

func (h *Handler) Restrict(c echo.Context) error {
	return h.updateStatus(c, ActionRestrict)
}

func (h *Handler) updateStatus(c echo.Context, action Action) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	confirmer := StaticConfirmer{Confirmed: req.Confirmed, Remarks: req.Remarks}
	out, err := h.svc.UpdateStatus(c.Request().Context(), sess, c.Param("uuid"), action, confirmer, queryFromContext(c))
	if errors.Is(err, ErrConfirmationRequired) {
		return c.JSON(http.StatusAccepted, out)
	}
	if err != nil && out == nil {
		return httpError(err)
	}
	if err != nil {
		he := httpError(err).(*echo.HTTPError)
		return c.JSON(he.Code, map[string]interface{}{
			"message": he.Message,
			"samples": out.Samples,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// -- External send --

type sendRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (h *Handler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	intent, err := h.svc.Send(c.Request().Context(), sess, c.Param("uuid"), req.Confirmed)
	if errors.Is(err, ErrConfirmationRequired) {
		return c.JSON(http.StatusAccepted, map[string]string{"message": MsgPleaseConfirm})
	}
	if err != nil && intent == nil {
		return httpError(err)
	}
	if err != nil {
		he := httpError(err).(*echo.HTTPError)
		return c.JSON(he.Code, map[string]interface{}{
			"message": he.Message,
			"intent":  intent,
		})
	}
	return c.JSON(http.StatusOK, intent)
}

// -- Visit & verification --

type visitRequest struct {
	VisitUUID string `json:"visit_uuid"`
}

func (h *Handler) LoadVisit(c echo.Context) error {
	var req visitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.VisitUUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_uuid is required")
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	sampleUUID := c.Param("uuid")
	if _, err := h.svc.LoadVisit(c.Request().Context(), sess, sampleUUID, req.VisitUUID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View(sampleUUID))
}

func (h *Handler) OpenVerification(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	view, err := h.svc.OpenVerification(c.Request().Context(), sess, c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CloseVerification(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	h.svc.CloseVerification(sess, c.Param("uuid"))
	return c.NoContent(http.StatusNoContent)
}

// -- View state --

func (h *Handler) GetView(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View(c.Param("uuid")))
}

func (h *Handler) ToggleDetails(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	sess.ToggleDetails(c.Param("uuid"))
	return c.JSON(http.StatusOK, sess.View(c.Param("uuid")))
}

func (h *Handler) ToggleMoreDetails(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	sess.ToggleMoreDetails(c.Param("uuid"))
	return c.JSON(http.StatusOK, sess.View(c.Param("uuid")))
}

func (h *Handler) GetMessages(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var keys []string
	if raw := c.QueryParam("samples"); raw != "" {
		keys = strings.Split(raw, ",")
	}
	msgs, err := h.svc.Messages(c.Request().Context(), sess, keys)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *Handler) EndSession(c echo.Context) error {
	uid := auth.UserIDFromContext(c.Request().Context())
	if !h.svc.Sessions().Drop(uid) {
		return echo.NewHTTPError(http.StatusNotFound, "no active session")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- History & intents --

func (h *Handler) GetHistory(c echo.Context) error {
	items, err := h.svc.History(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetSampleIntents(c echo.Context) error {
	items, err := h.svc.SampleIntents(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListIntents(c echo.Context) error {
	pg := pagination.FromContext(c)
	var states []IntentState
	if raw := c.QueryParam("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, IntentState(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	items, total, err := h.svc.ListIntents(c.Request().Context(), states, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*DispatchIntent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) RetryIntent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	in, err := h.svc.RetryIntent(c.Request().Context(), id)
	if err != nil && in == nil {
		return httpError(err)
	}
	if err != nil {
		he := httpError(err).(*echo.HTTPError)
		return c.JSON(he.Code, map[string]interface{}{
			"message": he.Message,
			"intent":  in,
		})
	}
	return c.JSON(http.StatusOK, in)
}
