// Package api holds what the citadel API's clients and server share.
package api

import "fmt"

// Error is the body of every non-2xx answer.
type Error struct {
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
	Status  int           `json:"status"`
}

type ErrorDetail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}
