package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

var (
	// ErrRecordAlreadyExists is returned when CREATE hits an existing record id.
	ErrRecordAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict is returned when concurrent transactions touched
	// the same records. The losing write may be retried.
	ErrTransactionConflict = errors.New("transaction conflict")

	// errActiveJob is thrown by the job creation transaction when the key
	// already has a non-terminal job.
	errActiveJob = errors.New("active job exists")
)

// activeJobMarker is the THROW message mapped back to errActiveJob.
const activeJobMarker = "sitekb: active job exists"

// queryErrorPatterns maps SurrealDB error message fragments to sentinels.
var queryErrorPatterns = []struct {
	fragment string
	sentinel error
	detail   bool
}{
	{activeJobMarker, errActiveJob, false},
	{"already exists", ErrRecordAlreadyExists, true},
	{"Transaction conflict", ErrTransactionConflict, true},
	{"Failed to commit transaction due to a read or write conflict", ErrTransactionConflict, true},
}

// wrapQueryError maps a SurrealDB query error to a package sentinel.
// Other errors are returned unchanged.
func wrapQueryError(err error) error {
	var queryErr *surrealdb.QueryError
	if err == nil || !errors.As(err, &queryErr) {
		return err
	}
	for _, p := range queryErrorPatterns {
		if !strings.Contains(queryErr.Message, p.fragment) {
			continue
		}
		if !p.detail {
			return p.sentinel
		}
		return fmt.Errorf("%w: %s", p.sentinel, queryErr.Message)
	}
	return err
}
