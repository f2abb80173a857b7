package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Klingon-tech/orignode/internal/security"
)

// Security event kinds raised by the API.
const (
	eventRateLimited       = security.KindRateLimited
	eventInvalidPassphrase = security.KindInvalidPassphrase
)

// MFAEnrollRequest is the optional body of POST /api/v1/mfa/{user}/enroll.
type MFAEnrollRequest struct {
	Account string `json:"account"`
}

// MFAEnrollResponse carries the new secret and its otpauth URI.
type MFAEnrollResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// MFAVerifyRequest is the body of POST /api/v1/mfa/{user}/verify.
type MFAVerifyRequest struct {
	Code string `json:"code"`
}

func writeMFAError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, security.ErrNotEnrolled):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, security.ErrEmptyUser):
		badRequest(w, err.Error())
	default:
		writeError(w, err)
	}
}

func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	var req MFAEnrollRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	secret, uri, err := s.config.Security.EnrollMFA(chi.URLParam(r, "user"), req.Account)
	if err != nil {
		writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okResponse(MFAEnrollResponse{Secret: secret, URI: uri}))
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req MFAVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		badRequest(w, "code is required")
		return
	}
	ok, err := s.config.Security.VerifyMFA(chi.URLParam(r, "user"), req.Code)
	if err != nil {
		writeMFAError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid code"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]bool{"verified": true}))
}

func (s *Server) handleMFABackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.config.Security.BackupCodes(chi.URLParam(r, "user"))
	if err != nil {
		writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string][]string{"codes": codes}))
}

func (s *Server) handleMFAReset(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Security.ResetMFA(chi.URLParam(r, "user")); err != nil {
		writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}
