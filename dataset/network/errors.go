package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Kind classifies a failure of a gateway call or a transfer.
type Kind int

const (
	// KindRequest is any other non-success response from the gateway.
	KindRequest Kind = iota
	// KindAuthentication means the credential was missing, invalid or expired (401).
	KindAuthentication
	// KindAuthorization means the credential is valid but lacks rights on the target (403).
	KindAuthorization
	// KindNotFound means the dataset or item is unknown (404).
	KindNotFound
	// KindTransfer is a non-success response or transport failure against a signed URL.
	KindTransfer
	// KindCancelled means the caller cancelled the operation.
	KindCancelled
	// KindExpiredURLSet means the signed URLs ran past their expiry before use.
	KindExpiredURLSet
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request failure"
	case KindAuthentication:
		return "authentication failure"
	case KindAuthorization:
		return "authorization failure"
	case KindNotFound:
		return "not found"
	case KindTransfer:
		return "transfer failure"
	case KindCancelled:
		return "cancelled"
	case KindExpiredURLSet:
		return "signed URLs expired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is matching on the kind alone.
var (
	ErrRequest        = &Error{Kind: KindRequest}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrTransfer       = &Error{Kind: KindTransfer}
	ErrCancelled      = &Error{Kind: KindCancelled}
	ErrExpiredURLSet  = &Error{Kind: KindExpiredURLSet}
)

// Error is the failure of a gateway call or a single transfer, with enough context to
// tell which part of a multi-item operation went wrong.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	URI        string
	RelPath    string
	Identifier string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.RelPath != "" {
		fmt.Fprintf(&b, " item %s", e.RelPath)
		if e.Identifier != "" {
			fmt.Fprintf(&b, " [%s]", e.Identifier)
		}
	} else if e.Identifier != "" {
		fmt.Fprintf(&b, " item %s", e.Identifier)
	}
	if e.URI != "" {
		fmt.Fprintf(&b, " in %s", e.URI)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Transient reports whether repeating the call can succeed without the caller changing anything.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindAuthentication, KindAuthorization, KindNotFound, KindCancelled, KindExpiredURLSet:
		return false
	}

	if e.StatusCode != 0 {
		retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), &http.Response{StatusCode: e.StatusCode}, nil)
		return retry
	}
	if e.Err != nil {
		retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), nil, e.Err)
		return retry
	}
	return true
}

// WithItem returns a copy of e annotated with the item it concerns.
func (e *Error) WithItem(relPath, identifier string) *Error {
	c := *e
	c.RelPath = relPath
	c.Identifier = identifier
	return &c
}

// KindOf returns the kind of err, and false if err carries no *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// AnnotateItem attaches item identity to err when it is an *Error, and wraps it otherwise.
// Context cancellation and deadline errors are wrapped as KindCancelled.
func AnnotateItem(err error, relPath, identifier string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.RelPath == "" && e.Identifier == "" {
			return e.WithItem(relPath, identifier)
		}
		return err
	}
	kind := KindTransfer
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, RelPath: relPath, Identifier: identifier, Err: err}
}

func statusError(op string, statusCode int, body string) *Error {
	var kind Kind
	switch statusCode {
	case http.StatusUnauthorized:
		kind = KindAuthentication
	case http.StatusForbidden:
		kind = KindAuthorization
	case http.StatusNotFound:
		kind = KindNotFound
	default:
		kind = KindRequest
	}
	return &Error{Kind: kind, Op: op, StatusCode: statusCode, Body: body}
}

func cancelledError(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}
