// Package transport carries messages between the engine and the remote
// authority: request/response over HTTP and server push over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/marcus/replica/internal/message"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrGone         = errors.New("gone")
)

// Rejection is the error every transport returns. Status 0 means the remote
// could not be reached at all; any other value is the HTTP status the remote
// answered with.
type Rejection struct {
	Status int
	Method string
	URL    string
	Body   []byte
	Err    error
}

func (r *Rejection) Error() string {
	if r.Status == 0 {
		return fmt.Sprintf("%s %s: unreachable: %v", r.Method, r.URL, r.Err)
	}
	if r.Err != nil {
		return fmt.Sprintf("%s %s: HTTP %d: %v", r.Method, r.URL, r.Status, r.Err)
	}
	return fmt.Sprintf("%s %s: HTTP %d", r.Method, r.URL, r.Status)
}

func (r *Rejection) Unwrap() error { return r.Err }

// IsConnectivity reports whether err is a failure to reach the remote, as
// opposed to an answer from it.
func IsConnectivity(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej) && rej.Status == 0
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Status
	}
	return 0
}

func statusErr(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrGone
	}
	return nil
}

// Response is a successful answer from the remote.
type Response struct {
	Status int
	Body   []byte
}

// Attrs decodes the body as a single record. An empty body yields nil.
func (r *Response) Attrs() (message.Attrs, error) {
	if r == nil || len(r.Body) == 0 {
		return nil, nil
	}
	var attrs message.Attrs
	if err := json.Unmarshal(r.Body, &attrs); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return message.Normalize(message.Message{Data: attrs}).Data, nil
}

// Records decodes the body as a list of records.
func (r *Response) Records() ([]message.Attrs, error) {
	if r == nil || len(r.Body) == 0 {
		return nil, nil
	}
	var recs []message.Attrs
	if err := json.Unmarshal(r.Body, &recs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return message.Normalize(message.Message{ID: message.AllID, Records: recs}).Records, nil
}

// Remote is the request/response port to the authority.
type Remote interface {
	Do(ctx context.Context, method, url string, body any) (*Response, error)
}

// Route maps a message method to the HTTP verb and URL used against root.
// create posts to the collection; the others address the record.
func Route(method message.Method, root, id string) (verb, url string) {
	recordURL := root
	if id != "" && id != message.AllID {
		recordURL = root + "/" + id
	}
	switch method {
	case message.Create:
		return http.MethodPost, root
	case message.Update:
		return http.MethodPut, recordURL
	case message.Patch:
		return http.MethodPatch, recordURL
	case message.Delete:
		return http.MethodDelete, recordURL
	default:
		return http.MethodGet, recordURL
	}
}
