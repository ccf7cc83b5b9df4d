// Package httputil holds the JSON envelope and request decoding used by the
// pipeline's API handlers. Validation failures surface as 400 with code
// "validation_error" and a per-field message list.
package httputil
