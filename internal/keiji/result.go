package keiji

// Result is the outcome of a read that is never allowed to fail outright.
//
// A degraded result carries the zero value of T and the reason it degraded,
// so callers can keep rendering while tests assert on why.
type Result[T any] struct {
	Data   T
	Reason string
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Data: data}
}

func Degraded[T any](reason string) Result[T] {
	var zero T
	return Result[T]{Data: zero, Reason: reason}
}

// Degraded reports whether the read fell back to an empty answer.
func (r Result[T]) Degraded() bool {
	return r.Reason != ""
}
