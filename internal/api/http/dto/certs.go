package dto

import "time"

type CertificateResponse struct {
	ID            string     `json:"id"`
	SerialNumber  string     `json:"serial_number"`
	Fingerprint   string     `json:"fingerprint"`
	IssuerName    string     `json:"issuer_name"`
	NotBefore     time.Time  `json:"not_before"`
	NotAfter      time.Time  `json:"not_after"`
	Revoked       bool       `json:"revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ImplantID     string     `json:"implant_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	Total        int                   `json:"total"`
}

type RevokeCertificateRequest struct {
	Reason string `json:"reason" binding:"required"`
}
