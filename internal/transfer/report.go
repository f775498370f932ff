package transfer

import (
	"fmt"
	"time"

	"github.com/NodePath81/fbpace/internal/util"
)

// Reason records why a worker stopped.
type Reason string

const (
	ReasonPeerClosed    Reason = "peer_closed"
	ReasonSetupError    Reason = "setup_error"
	ReasonTransferError Reason = "transfer_error"
	ReasonCancelled     Reason = "cancelled"
	ReasonClosed        Reason = "closed"
)

// Report is the final accounting of one connection.
type Report struct {
	ID        string
	Peer      string
	Direction Direction
	Bytes     uint64
	Elapsed   time.Duration
	Grants    uint64
	Backoffs  uint64
	Reason    Reason
	Err       error
}

// Failed reports whether the connection ended on an error rather than a close.
func (r Report) Failed() bool {
	return r.Reason == ReasonSetupError || r.Reason == ReasonTransferError
}

// Summary is the human-readable status line for the connection.
func (r Report) Summary() string {
	verb := "sent"
	if r.Direction == Receive {
		verb = "received"
	}
	line := fmt.Sprintf("%s %s in %s (%s avg), %s",
		verb,
		util.FormatBytes(r.Bytes),
		r.Elapsed.Round(time.Millisecond),
		util.FormatBitsPerSecond(util.AverageBitsPerSecond(r.Bytes, r.Elapsed)),
		r.Reason)
	if r.Err != nil {
		line += ": " + r.Err.Error()
	}
	return line
}
