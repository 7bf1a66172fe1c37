package dto

import "time"

type GenerateBundleRequest struct {
	Name                     string   `json:"name" binding:"required"`
	Type                     string   `json:"type"`
	Platform                 string   `json:"platform" binding:"required"`
	Arch                     string   `json:"arch" binding:"required"`
	Features                 []string `json:"features"`
	Capabilities             []string `json:"capabilities"`
	ControllerURL            string   `json:"controller_url" binding:"required"`
	AutonomyLevel            string   `json:"autonomy_level"`
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds"`
	AutoToken                bool     `json:"auto_token"`
	TokenMaxDownloads        int      `json:"token_max_downloads"`
	TokenExpiresInSeconds    int64    `json:"token_expires_in_seconds"`
}

type BundleResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ImplantID     string    `json:"implant_id"`
	CertificateID string    `json:"certificate_id"`
	Platform      string    `json:"platform"`
	Arch          string    `json:"arch"`
	Features      []string  `json:"features,omitempty"`
	Status        string    `json:"status"`
	DownloadCount int       `json:"download_count"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type GenerateBundleResponse struct {
	Bundle        BundleResponse `json:"bundle"`
	ImplantID     string         `json:"implant_id"`
	CertificateID string         `json:"certificate_id"`
	// Token is the plaintext download token, returned exactly once.
	Token string `json:"token,omitempty"`
}

type ListBundlesResponse struct {
	Bundles []BundleResponse `json:"bundles"`
	Total   int              `json:"total"`
}

type GenerateTokenRequest struct {
	MaxDownloads     int      `json:"max_downloads"`
	ExpiresInSeconds int64    `json:"expires_in_seconds"`
	AllowedIPRanges  []string `json:"allowed_ip_ranges"`
}

type GenerateTokenResponse struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	MaxDownloads int       `json:"max_downloads"`
	ExpiresAt    time.Time `json:"expires_at"`
}
