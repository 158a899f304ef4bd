package monitor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"brokerwatch/internal/sink"
)

// isFatal reports whether err must stop the whole process rather than
// trigger a reconnect.
func isFatal(err error) bool {
	var we *sink.WriteError
	return errors.As(err, &we)
}

// Summary renders the one-line failure report "Failed: <kind> - <message>".
// The kind comes from a Kind method anywhere in the error chain, else from
// the type of the innermost error.
func Summary(err error) string {
	return fmt.Sprintf("Failed: %s - %s", kindOf(err), err)
}

func kindOf(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	t := reflect.TypeOf(inner)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || !isExported(name) {
		return "Error"
	}
	return name
}

func isExported(name string) bool {
	return strings.ToUpper(name[:1]) == name[:1]
}
