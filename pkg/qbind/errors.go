package qbind

import "errors"

// Errors surfaced to callers of the library-facing API: InitializeBinding
// returns the setup errors, and Uninitialize returns ErrBindingClosed on a
// repeated call. Everything in the receive path degrades to a logged drop,
// never an error.
var (
	ErrBindingClosed       = errors.New("qbind: binding is closed")
	ErrNoDatapath          = errors.New("qbind: no datapath handle")
	ErrExclusiveNeedsPeer  = errors.New("qbind: exclusive binding requires a pinned remote address")
	ErrInvalidListenerAddr = errors.New("qbind: invalid listener address")
)

// errors returned internally by the stateless table; never surfaced past
// the demultiplexer (§7: admission rejections become drop diagnostics).
var (
	errMaxStatelessOperations      = errors.New("qbind: max binding operations")
	errAlreadyInStatelessOperTable = errors.New("qbind: already in stateless oper table")
)

// dropReason identifies why a datagram was discarded (§7 taxonomy 2: policy
// drop). It is never returned to a caller; it only flows into metrics and
// logging.
type dropReason string

const (
	dropShortBuffer         dropReason = "short_buffer"
	dropCIDLengthPolicy     dropReason = "cid_length_policy"
	dropUnsupportedVer      dropReason = "unsupported_version_no_listener"
	dropRetryTokenInvalid   dropReason = "retry_token_invalid"
	dropNoListener          dropReason = "no_listener"
	dropWorkerOverloaded    dropReason = "worker_overloaded"
	dropOutOfMemory         dropReason = "out_of_memory"
	dropStatelessDuplicate  dropReason = "already in stateless oper table"
	dropStatelessMaxReached dropReason = "max binding operations"
)
