package query

import "fmt"

// ParseError reports a malformed query document.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "query: " + e.Msg }

func parseErr(format string, args ...interface{}) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}
