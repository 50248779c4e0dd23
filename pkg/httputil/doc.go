// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteJSONOrError(w, http.StatusCreated, resource, "failed to encode resource")
//
// Error responses:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteUnauthorized(w, "invalid credentials")
//	httputil.WriteForbidden(w, "your subscription expired")
//	httputil.WriteTooManyRequests(w, "too many failed attempts")
//
// # Request Parsing
//
//	var req loginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Validation
//
//	if !httputil.RequireNonEmpty(w, req.Username, "username") {
//		return
//	}
//
// # Related Packages
//
//   - pkg/api: HTTP handlers built on these helpers
package httputil
