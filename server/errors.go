package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// Store and token sentinels.
var (
	ErrPendingNotFound = errors.New("pending authorization not found")
	ErrPendingExpired  = errors.New("pending authorization expired")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrCodeRedeemed    = errors.New("authorization code already redeemed")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
)

// OAuthError is an OAuth-standard error returned to callers.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newOAuthError(code string, status int, desc string) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

func errInvalidRequest(desc string) *OAuthError {
	return newOAuthError("invalid_request", http.StatusBadRequest, desc)
}

func errInvalidClient(desc string) *OAuthError {
	return newOAuthError("invalid_client", http.StatusBadRequest, desc)
}

func errInvalidClientMetadata(desc string) *OAuthError {
	return newOAuthError("invalid_client_metadata", http.StatusBadRequest, desc)
}

func errInvalidGrant(desc string) *OAuthError {
	return newOAuthError("invalid_grant", http.StatusBadRequest, desc)
}

func errInvalidScope(desc string) *OAuthError {
	return newOAuthError("invalid_scope", http.StatusBadRequest, desc)
}

func errInvalidToken(desc string) *OAuthError {
	return newOAuthError("invalid_token", http.StatusUnauthorized, desc)
}

func errUnsupportedGrantType(desc string) *OAuthError {
	return newOAuthError("unsupported_grant_type", http.StatusBadRequest, desc)
}

func errUnsupportedResponseType(desc string) *OAuthError {
	return newOAuthError("unsupported_response_type", http.StatusBadRequest, desc)
}

func errAccessDenied(desc string) *OAuthError {
	return newOAuthError("access_denied", http.StatusForbidden, desc)
}

func errServerError(desc string) *OAuthError {
	return newOAuthError("server_error", http.StatusInternalServerError, desc)
}

func errInvalidAPIKey(desc string) *OAuthError {
	return newOAuthError("invalid_api_key", http.StatusUnauthorized, desc)
}

// asOAuthError maps any error to an OAuthError, hiding internal detail.
func asOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return errServerError("internal error")
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, err error) {
	oe := asOAuthError(err)
	body := map[string]string{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	writeJSONStatus(w, oe.Status, body)
}

// redirectError sends the error back to a validated client redirect URI.
func redirectError(w http.ResponseWriter, redirectURI, state string, err error) {
	oe := asOAuthError(err)
	uri, perr := url.Parse(redirectURI)
	if redirectURI == "" || perr != nil || !isSafeRedirectURI(redirectURI) {
		writeOAuthError(w, errInvalidRequest(oe.Description))
		return
	}
	q := uri.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
