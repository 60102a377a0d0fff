package rhc

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration means the static header configuration is missing or
	// unusable. Fatal for the request (500).
	ErrConfiguration = errors.New("rhc: invalid header configuration")
	// ErrAllowList means a custom header outside the valid set was received.
	ErrAllowList = errors.New("rhc: unrecognized header")
	// ErrCardinality means too few or too many valid headers were received.
	ErrCardinality = errors.New("rhc: header cardinality violation")
	// ErrTransport is a client-local failure: network error or malformed
	// response body. It never reaches the server state machine.
	ErrTransport = errors.New("rhc: transport error")
	// ErrPoolIntegrity means the pool handed to a selector is empty or
	// carries malformed tokens.
	ErrPoolIntegrity = errors.New("rhc: pool integrity error")
)

// ErrorKind classifies a server-side rejection.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindAllowList
	KindCardinality
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAllowList:
		return "allow_list"
	case KindCardinality:
		return "cardinality"
	}
	return "unknown"
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindAllowList:
		return ErrAllowList
	case KindCardinality:
		return ErrCardinality
	}
	return nil
}

// Status is the HTTP status a rejection of this kind maps to.
func (k ErrorKind) Status() int {
	if k == KindConfiguration {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// ValidationError describes why a request was rejected.
type ValidationError struct {
	Kind    ErrorKind
	Message string
	// Received is the number of valid headers found.
	Received int
	// Found holds the valid headers that were extracted, when relevant.
	Found Pool
	// Unrecognized lists custom headers outside the allow-list.
	Unrecognized []string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Kind.sentinel() }
