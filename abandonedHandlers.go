package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"bitbucket.org/mmdatafocus/marketplace_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type abandonedHandlers struct {
	manager     *workflow.AbandonedProcessManager
	logger      *logrus.Logger
	scanTimeout time.Duration
}

func newAbandonedHandlers(manager *workflow.AbandonedProcessManager, logger *logrus.Logger, scanTimeout time.Duration) *abandonedHandlers {
	if scanTimeout <= 0 {
		scanTimeout = 120 * time.Second
	}
	return &abandonedHandlers{manager: manager, logger: logger, scanTimeout: scanTimeout}
}

// registerAbandonedRoutes mounts the ops surface under /internal/ops/abandoned
// (guarded by auth) and the Pub/Sub push endpoint (guarded by pushAuth).
// resolve is called per request so the handlers can be installed after the
// server starts listening.
func registerAbandonedRoutes(r gin.IRouter, resolve func() *abandonedHandlers, auth, pushAuth gin.HandlerFunc) {
	with := func(fn func(*abandonedHandlers, *gin.Context)) gin.HandlerFunc {
		return func(c *gin.Context) { fn(resolve(), c) }
	}
	g := r.Group("/internal/ops/abandoned", auth)
	g.POST("/scan", with((*abandonedHandlers).scan))
	g.POST("/cleanup", with((*abandonedHandlers).cleanup))
	g.GET("", with((*abandonedHandlers).list))
	g.GET("/export", with((*abandonedHandlers).export))
	g.GET("/:id", with((*abandonedHandlers).get))
	g.PATCH("/:id", with((*abandonedHandlers).update))
	r.POST("/pubsub/abandoned-scan", pushAuth, with((*abandonedHandlers).scanPubSub))
}

func httpStatusFor(err *utils.AppError) int {
	switch err.Kind {
	case utils.ErrorKindValidation:
		return http.StatusBadRequest
	case utils.ErrorKindNotFound:
		return http.StatusNotFound
	case utils.ErrorKindStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *abandonedHandlers) respondError(c *gin.Context, err error) {
	appErr := utils.AsAppError(err)
	status := httpStatusFor(appErr)
	msg := appErr.Message
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": appErr.Code})
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dest any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		return utils.NewValidationError(utils.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

func parseID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, utils.NewValidationError(utils.CodeInvalidId, fmt.Sprintf("invalid id %q", c.Param("id")))
	}
	return id, nil
}

func parseListRequest(c *gin.Context) (workflow.ListRequest, error) {
	req := workflow.ListRequest{
		ProcessType: strings.TrimSpace(c.Query("processType")),
		Status:      strings.TrimSpace(c.Query("status")),
	}
	for name, dest := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, utils.NewValidationError(utils.CodeInvalidPagination, fmt.Sprintf("invalid %s %q", name, raw))
		}
		*dest = n
	}
	return req, nil
}

func (h *abandonedHandlers) scan(c *gin.Context) {
	var req workflow.ScanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.scanTimeout)
	defer cancel()

	report, err := h.manager.Scan(ctx, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *abandonedHandlers) list(c *gin.Context) {
	req, err := parseListRequest(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	page, err := h.manager.List(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *abandonedHandlers) get(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rec, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *abandonedHandlers) update(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req workflow.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, utils.NewValidationError(utils.CodeInvalidRequest, "invalid request body"))
		return
	}
	rec, err := h.manager.Transition(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *abandonedHandlers) cleanup(c *gin.Context) {
	var req workflow.CleanupRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, err)
		return
	}
	report, err := h.manager.Cleanup(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *abandonedHandlers) export(c *gin.Context) {
	req, err := parseListRequest(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if _, err := h.manager.ExportXlsx(c.Request.Context(), req, &buf); err != nil {
		h.respondError(c, err)
		return
	}
	filename := fmt.Sprintf("abandoned-processes-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// scanPubSub handles push deliveries from the scan trigger topic. Malformed or
// invalid messages are acked (204) so they are not redelivered forever; a scan
// with failed process types returns 500 so Pub/Sub retries, which is safe
// because scans are idempotent.
func (h *abandonedHandlers) scanPubSub(c *gin.Context) {
	var envelope PubSubMessage
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(h.logger, "abandonedHandlers.go", "scanPubSub", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		config.LogError(h.logger, "abandonedHandlers.go", "scanPubSub", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var msg config.AbandonedScanMessage
	if len(envelope.Message.Data) > 0 {
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			config.LogError(h.logger, "abandonedHandlers.go", "scanPubSub", "Unmarshal pubsub message", string(envelope.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
	}

	correlationID := msg.CorrelationId
	if correlationID == "" {
		correlationID = envelope.Message.ID
	}
	ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
	ctx = utils.SetOperatorInContext(ctx, "pubsub")
	ctx, cancel := context.WithTimeout(ctx, h.scanTimeout)
	defer cancel()

	report, err := h.manager.Scan(ctx, workflow.ScanRequest{ProcessTypes: msg.ProcessTypes, DryRun: msg.DryRun})
	fields := logrus.Fields{
		"field":          "scanPubSub",
		"message_id":     envelope.Message.ID,
		"correlation_id": correlationID,
		"requested_by":   msg.RequestedBy,
	}
	if err != nil {
		if appErr := utils.AsAppError(err); appErr.Kind == utils.ErrorKindValidation {
			h.logger.WithFields(fields).Warn("dropping invalid scan trigger: " + appErr.Message)
			c.Status(http.StatusNoContent)
			return
		}
		h.logger.WithFields(fields).Error("scan trigger failed: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(report.Errors) > 0 {
		h.logger.WithFields(fields).WithField("errors", report.Errors).Error("scan trigger finished with failed process types")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
