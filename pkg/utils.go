package pairsignal

import (
	"errors"
	"fmt"
)

// Recover logs a panic in a handler instead of taking the process down.
func Recover() {
	if r := recover(); r != nil {
		var err error
		switch e := r.(type) {
		case string:
			err = errors.New(e)
		case error:
			err = e
		default:
			err = fmt.Errorf("unknown panic: %v", r)
		}
		log.Error(err, "recovered panic")
	}
}
