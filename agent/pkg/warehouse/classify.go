package warehouse

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// ClickHouse server error codes that are worth retrying with the identical
// statement. Everything the server rejects for what the statement says
// (syntax, unknown identifiers, permissions) is permanent.
var transientCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	160: true, // TOO_SLOW
	201: true, // QUOTA_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	203: true, // NO_FREE_CONNECTION
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	241: true, // MEMORY_LIMIT_EXCEEDED
	242: true, // TABLE_IS_READ_ONLY (replica catching up)
	252: true, // TOO_MANY_PARTS
	425: true, // SYSTEM_ERROR
}

// Classify converts a driver error into a *workflow.ExecError. A structured
// server exception is classified by code; transport-level errors and
// timeouts are transient; anything unrecognized is permanent so the retry
// loop never spins on a statement that cannot succeed.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		kind := workflow.ExecPermanent
		if transientCodes[ex.Code] {
			kind = workflow.ExecTransient
		}
		return workflow.NewExecError(kind, ex.Code, err.Error())
	}

	if isTransportError(err) {
		return workflow.NewExecError(workflow.ExecTransient, 0, err.Error())
	}
	return workflow.NewExecError(workflow.ExecPermanent, 0, err.Error())
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Text fallback for drivers that flatten the cause into a message.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"broken pipe", "no route to host", "connection closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
