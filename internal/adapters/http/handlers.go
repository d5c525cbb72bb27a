package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/domain"
)

type handlers struct {
	orch *orch.Orchestrator
	ice  []webrtc.ICEServer
}

type EndRequest struct {
	Notes string `json:"notes"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type PrescriptionRequest struct {
	PrescriptionID string `json:"prescriptionId"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch domain.Code(err) {
	case domain.CodeAuthentication:
		return http.StatusUnauthorized
	case domain.CodeAuthorization:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeInvalidState:
		return http.StatusConflict
	case domain.CodeProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: domain.Code(err), Message: domain.PublicMessage(err)})
}

// bindOptional decodes a JSON body if there is one.
func bindOptional(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func protocolError(err error) error {
	return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrProtocol)
}

func consultationID(c *gin.Context) domain.ConsultationID {
	return domain.ConsultationID(c.Param("id"))
}

func (h *handlers) requestConsultation(c *gin.Context) {
	var req orch.RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, protocolError(err))
		return
	}
	cons, err := h.orch.RequestConsultation(c.Request.Context(), identityOf(c), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cons)
}

func (h *handlers) history(c *gin.Context) {
	list, err := h.orch.History(c.Request.Context(), identityOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []domain.Consultation{}
	}
	c.JSON(http.StatusOK, gin.H{"consultations": list})
}

func (h *handlers) getConsultation(c *gin.Context) {
	cons, err := h.orch.Get(c.Request.Context(), identityOf(c), consultationID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *handlers) acceptConsultation(c *gin.Context) {
	cons, err := h.orch.AcceptConsultation(c.Request.Context(), identityOf(c), consultationID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *handlers) endConsultation(c *gin.Context) {
	var req EndRequest
	if err := bindOptional(c, &req); err != nil {
		abortWithError(c, protocolError(err))
		return
	}
	cons, err := h.orch.EndConsultation(c.Request.Context(), identityOf(c), consultationID(c), req.Notes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *handlers) cancelConsultation(c *gin.Context) {
	var req CancelRequest
	if err := bindOptional(c, &req); err != nil {
		abortWithError(c, protocolError(err))
		return
	}
	cons, err := h.orch.CancelConsultation(c.Request.Context(), identityOf(c), consultationID(c), req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *handlers) attachPrescription(c *gin.Context) {
	var req PrescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PrescriptionID == "" {
		abortWithError(c, protocolError(errors.New("prescriptionId required")))
		return
	}
	cons, err := h.orch.AttachPrescription(c.Request.Context(), identityOf(c), consultationID(c), req.PrescriptionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *handlers) setDoctorStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, protocolError(err))
		return
	}
	identity := identityOf(c)
	status, err := h.orch.SetDoctorStatus(c.Request.Context(), identity, req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.Presence{UserID: identity.ID, Role: identity.Role, Status: status})
}

func (h *handlers) presence(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.PresenceOf(domain.UserID(c.Param("id"))))
}

func (h *handlers) iceServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.ice})
}
