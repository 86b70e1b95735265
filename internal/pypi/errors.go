package pypi

import "errors"

// ErrTransport wraps every failure to reach the index or to decode its
// response. Callers match it with errors.Is; the index client never retries.
var ErrTransport = errors.New("package index transport failure")
