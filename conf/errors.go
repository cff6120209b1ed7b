package conf

import (
	"fmt"
	"strings"
)

// Error is one structured validation failure, carrying the config path that
// produced it so operators can find the offending JSON key quickly.
type Error struct {
	Path    string
	Message string
}

func (e Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ErrorList accumulates every validation failure found during Load instead
// of stopping at the first one, so an operator fixes their config file in
// one pass rather than one error at a time.
type ErrorList []Error

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (l *ErrorList) add(path, format string, args ...interface{}) {
	*l = append(*l, Error{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (l ErrorList) HasErrors() bool { return len(l) > 0 }
