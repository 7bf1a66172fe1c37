package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/dto"
	"github.com/ospray/ospray-server/internal/bundle"
)

type BundleHandler struct {
	service *bundle.Service
}

func NewBundleHandler(service *bundle.Service) *BundleHandler {
	return &BundleHandler{service: service}
}

func toBundleResponse(b *bundle.Bundle) dto.BundleResponse {
	return dto.BundleResponse{
		ID:            b.ID,
		Name:          b.Name,
		ImplantID:     b.ImplantID,
		CertificateID: b.CertificateID,
		Platform:      b.Platform,
		Arch:          b.Arch,
		Features:      b.Features,
		Status:        string(b.Status),
		DownloadCount: b.DownloadCount,
		CreatedBy:     b.CreatedBy,
		CreatedAt:     b.CreatedAt,
	}
}

func (h *BundleHandler) Generate(c *gin.Context) {
	var req dto.GenerateBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.GenerateBundle(c.Request.Context(), bundle.GenerateOptions{
		Name:              req.Name,
		Type:              req.Type,
		Platform:          req.Platform,
		Arch:              req.Arch,
		Features:          req.Features,
		Capabilities:      req.Capabilities,
		ControllerURL:     req.ControllerURL,
		AutonomyLevel:     req.AutonomyLevel,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalSeconds) * time.Second,
		CreatedBy:         c.GetString("user_id"),
		AutoToken:         req.AutoToken,
		TokenMaxDownloads: req.TokenMaxDownloads,
		TokenExpiresIn:    time.Duration(req.TokenExpiresInSeconds) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.GenerateBundleResponse{
		Bundle:        toBundleResponse(result.Bundle),
		ImplantID:     result.ImplantID,
		CertificateID: result.CertificateID,
		Token:         result.Token,
	})
}

func (h *BundleHandler) Get(c *gin.Context) {
	b, err := h.service.GetBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBundleResponse(b))
}

func (h *BundleHandler) List(c *gin.Context) {
	list, err := h.service.ListBundles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ListBundlesResponse{Bundles: make([]dto.BundleResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Bundles = append(resp.Bundles, toBundleResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *BundleHandler) Deactivate(c *gin.Context) {
	if err := h.service.DeactivateBundle(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "inactive"})
}

func (h *BundleHandler) IssueToken(c *gin.Context) {
	var req dto.GenerateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, plaintext, err := h.service.GenerateToken(c.Request.Context(), c.Param("id"), c.GetString("user_id"), bundle.TokenOptions{
		MaxDownloads:    req.MaxDownloads,
		ExpiresIn:       time.Duration(req.ExpiresInSeconds) * time.Second,
		AllowedIPRanges: req.AllowedIPRanges,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.GenerateTokenResponse{
		ID:           token.ID,
		Token:        plaintext,
		MaxDownloads: token.MaxDownloads,
		ExpiresAt:    token.ExpiresAt,
	})
}

func (h *BundleHandler) RevokeToken(c *gin.Context) {
	if err := h.service.RevokeToken(c.Request.Context(), c.Param("token_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// Download is the unauthenticated delivery route. The token is the only
// credential: it gates the bundle, spends one download, and streams the
// package. Failed validations all answer 404 so the route does not
// reveal which tokens exist.
func (h *BundleHandler) Download(c *gin.Context) {
	token := c.Param("token")

	_, b, err := h.service.ValidateToken(c.Request.Context(), token, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if err := h.service.RecordDownload(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.FileAttachment(b.FilePath, b.Name+".zip")
}
