package transfer

import (
	"fmt"
	"strings"
)

// Direction is the way data flows on a worker's connection.
type Direction int

const (
	Send Direction = iota
	Receive
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send", "tx":
		return Send, nil
	case "receive", "recv", "rx":
		return Receive, nil
	default:
		return Send, fmt.Errorf("direction must be send or receive, got %q", s)
	}
}

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}
