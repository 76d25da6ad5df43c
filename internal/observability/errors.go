package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the failures of a multi-part operation into a
// single error. Repeated messages are folded with a count, the aggregate is
// logged once, and the returned error joins every underlying failure so
// callers can still match with errors.Is and errors.As.
func AggregateErrors(operation string, failures []error, fields ...Field) error {
	joined := make([]error, 0, len(failures))
	counts := make(map[string]int, len(failures))
	order := make([]string, 0, len(failures))
	for _, err := range failures {
		if err == nil {
			continue
		}
		joined = append(joined, err)
		msg := err.Error()
		if counts[msg] == 0 {
			order = append(order, msg)
		}
		counts[msg]++
	}
	if len(joined) == 0 {
		return nil
	}

	messages := make([]string, 0, len(order))
	for _, msg := range order {
		if n := counts[msg]; n > 1 {
			messages = append(messages, fmt.Sprintf("%s (x%d)", msg, n))
		} else {
			messages = append(messages, msg)
		}
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(joined)),
		F("errors", messages),
	)
	Log().Error("operation failed", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(joined...))
}
