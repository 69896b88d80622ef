package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
)

// ParseStrictJSONBody reads and **strictly** decodes a JSON HTTP request
// body into dst.
//
// Intended HTTP mapping: return **400 Bad Request** when decoding fails due
// to syntax/structural issues or JSON schema shape violations, including:
//
//   - Malformed JSON syntax (bad tokens, truncated body)
//   - Empty body (ErrEmptyBody)
//   - Oversized body (reader capped at 1MB)
//   - Trailing data after the first JSON value (ErrTrailingJSON)
//   - Unknown fields, via DisallowUnknownFields
//   - Field-type mismatches (e.g. string into int)
//
// Shape validation only: required-field presence and semantic/business
// rules stay with the caller.
func ParseStrictJSONBody[T any](r *http.Request, dst *T) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure a *single* JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}
