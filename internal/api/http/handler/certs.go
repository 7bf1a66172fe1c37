package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/identity"
)

type CertHandler struct {
	service *identity.Service
}

func NewCertHandler(service *identity.Service) *CertHandler {
	return &CertHandler{service: service}
}

func toCertResponse(c *identity.Certificate) dto.CertificateResponse {
	return dto.CertificateResponse{
		ID:            c.ID,
		SerialNumber:  c.SerialNumber,
		Fingerprint:   c.Fingerprint,
		IssuerName:    c.IssuerName,
		NotBefore:     c.NotBefore,
		NotAfter:      c.NotAfter,
		Revoked:       c.Revoked,
		RevokedReason: c.RevokedReason,
		RevokedAt:     c.RevokedAt,
		ImplantID:     c.ImplantID,
		CreatedAt:     c.CreatedAt,
	}
}

func (h *CertHandler) Get(c *gin.Context) {
	cert, err := h.service.GetCertificate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCertResponse(cert))
}

func (h *CertHandler) List(c *gin.Context) {
	list, err := h.service.ListCertificates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ListCertificatesResponse{Certificates: make([]dto.CertificateResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Certificates = append(resp.Certificates, toCertResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CertHandler) Revoke(c *gin.Context) {
	var req dto.RevokeCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Revoke(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// Verify answers whether the certificate with the given serial is
// currently acceptable for channel authentication.
func (h *CertHandler) Verify(c *gin.Context) {
	if err := h.service.Verify(c.Request.Context(), c.Param("serial")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "valid"})
}

// CABundle serves the root certificate in PEM form so operators can pin
// implant trust stores out of band.
func (h *CertHandler) CABundle(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", h.service.Authority().CAPEM())
}
