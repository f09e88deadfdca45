// Package handlers exposes the HTTP surface: the public endpoints customer
// applications call, the provider webhooks, the org dashboard, and the
// operator console.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/CallMeGwei/paycheck/internal/middleware"
)

func extractBearer(r *http.Request) string {
	return middleware.ExtractBearer(r)
}

func requestInfo(r *http.Request) (ip, userAgent string) {
	return middleware.RequestInfo(r)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondErrorCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "error": message})
}

func respondSuccess(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, data)
}

func respondCreated(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusCreated, data)
}

// parsePagination reads limit/offset query params with the service bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= 100 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func paginationEnvelope(limit, offset, total int) map[string]interface{} {
	return map[string]interface{}{
		"limit":  limit,
		"offset": offset,
		"total":  total,
	}
}

// appendQueryParams joins URL-encoded parameters onto a base URL, choosing
// "?" or "&" by inspecting the base.
func appendQueryParams(baseURL string, params [][2]string) string {
	pairs := make([]string, 0, len(params))
	for _, p := range params {
		pairs = append(pairs, p[0]+"="+url.QueryEscape(p[1]))
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + strings.Join(pairs, "&")
}
