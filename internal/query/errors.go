package query

import (
	"errors"
	"fmt"
)

// ErrOffline is matched (errors.Is) by every ConnectivityError.
var ErrOffline = errors.New("offline")

// ConnectivityError means the device is offline and nothing is cached for
// the query.
type ConnectivityError struct {
	Key string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("no connectivity and no cached data for %s", e.Key)
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrOffline
}

// FetchError wraps a failure of the remote fetch while online.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
