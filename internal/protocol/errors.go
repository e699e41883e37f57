package protocol

import "errors"

// ErrSessionNotFound reports that the daemon no longer knows the session
// (archived or deleted). Transport implementations map their own "gone"
// signals (HTTP 404, missing row) onto this sentinel.
var ErrSessionNotFound = errors.New("session not found")
