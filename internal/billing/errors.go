package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the invoice does not exist.
	ErrNotFound = errors.New("billing: not found")
	// ErrClientNotFound indicates an unknown client id.
	ErrClientNotFound = errors.New("billing: client not found")
	// ErrInvalidInput marks a rejected trigger argument.
	ErrInvalidInput = errors.New("billing: invalid input")
	// ErrInvalidTransition indicates a status change the state machine refuses.
	ErrInvalidTransition = errors.New("billing: invalid status transition")
	// ErrTransient marks I/O failures worth retrying.
	ErrTransient = errors.New("billing: transient failure")
	// ErrIntegrity marks stored data the engine refuses to bill.
	ErrIntegrity = errors.New("billing: data integrity")
	// ErrInvariant marks a broken internal invariant. It is a bug and aborts the tick.
	ErrInvariant = errors.New("billing: invariant violated")
)

// IntegrityError records which rows blocked an assembly.
type IntegrityError struct {
	ClientID int64
	ShiftIDs []int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	ids := make([]string, len(e.ShiftIDs))
	for i, id := range e.ShiftIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("billing: client %d: %s (shifts %s)", e.ClientID, e.Reason, strings.Join(ids, ","))
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Postgres SQLSTATEs retried as transient.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement/lock timeout)
	"08006": true, // connection_failure
	"08003": true, // connection_does_not_exist
}

type sqlStater interface {
	SQLState() string
}

// IsTransient reports whether err should trigger a retry of the whole assembly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var st sqlStater
	if errors.As(err, &st) {
		return transientSQLStates[st.SQLState()]
	}
	return false
}
