package items

import "fmt"

// maxBatchSize is the service's per-request item cap for state changes and
// deletes.
const maxBatchSize = 99

// BatchPartialError reports a batched operation that stopped mid-way for one
// share: chunks before the failing one are applied and stay applied; the
// failing chunk and everything after it are not. At-least-once, never
// all-or-nothing.
type BatchPartialError struct {
	ShareID   string
	Applied   int // items in chunks that went through
	Remaining int // items never attempted, failing chunk included
	Err       error
}

func (e *BatchPartialError) Error() string {
	return fmt.Sprintf("items: batch on share %s partially applied (%d applied, %d remaining): %v",
		e.ShareID, e.Applied, e.Remaining, e.Err)
}

func (e *BatchPartialError) Unwrap() error { return e.Err }

func chunkRefs[T any](refs []T, size int) [][]T {
	var out [][]T
	for len(refs) > size {
		out = append(out, refs[:size])
		refs = refs[size:]
	}
	if len(refs) > 0 {
		out = append(out, refs)
	}
	return out
}
