// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ValidationProblem extends ProblemDetail with per-field errors.
type ValidationProblem struct {
	ProblemDetail
	Errors map[string]string `json:"errors"`
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// InvalidFields sends a 400 problem listing the rejected fields.
func InvalidFields(w http.ResponseWriter, fields map[string]string) {
	writeProblem(w, http.StatusBadRequest, ValidationProblem{
		ProblemDetail: ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest},
		Errors:        fields,
	})
}

func writeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(target)
}
