package completion

import "github.com/ksi-daemon/ksid/internal/errs"

// Kind and Error are re-exported from internal/errs: the canonical taxonomy
// lives there so store/provider/session/queue can share it without importing
// this package back.
type Kind = errs.Kind
type Error = errs.Error

const (
	KindTimeout            = errs.KindTimeout
	KindNetworkError       = errs.KindNetworkError
	KindAPIRateLimit       = errs.KindAPIRateLimit
	KindProviderError      = errs.KindProviderError
	KindTemporaryFailure   = errs.KindTemporaryFailure
	KindDaemonRestart      = errs.KindDaemonRestart
	KindNoAvailableProvider = errs.KindNoAvailableProvider
	KindLockDenied         = errs.KindLockDenied
	KindInvalidRequest     = errs.KindInvalidRequest
	KindIOError            = errs.KindIOError
)

var (
	IsRetryable = errs.IsRetryable
	New         = errs.New
	NewIOError  = errs.NewIOError
	Classify    = errs.Classify
)
