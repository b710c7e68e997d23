package orchestrator

import "errors"

// ErrValidation indicates a request was rejected before any state change.
var ErrValidation = errors.New("orchestrator: validation failed")

// ErrConflict indicates the operation lost to a concurrent one: the model's
// lease is held, or an active deployment already exists without force.
var ErrConflict = errors.New("orchestrator: conflict")

// ErrProvisioning indicates an infrastructure step failed; the deployment
// record has been moved to failed with the reason recorded.
var ErrProvisioning = errors.New("orchestrator: provisioning failed")

// ErrRecoveryFailed indicates a rollback cutover failed and the attempt to
// restore the prior active deployment also failed. The model may be
// unserved; this condition is alerted loudly and must never be conflated
// with an ordinary provisioning failure.
var ErrRecoveryFailed = errors.New("orchestrator: rollback recovery failed")
