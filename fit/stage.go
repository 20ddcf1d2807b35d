package fit

import "fmt"

// Stage is a step of a fit, reached in declaration order
type Stage uint8

const (
	NotStarted Stage = iota
	Rasterized
	Located
	FringesCounted
	LinearPass1
	FringesConstrained
	LinearPass2
	NonlinearRefined
	DiagnosticsComputed
	NodesUpdated
)

func (s Stage) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Rasterized:
		return "Rasterized"
	case Located:
		return "Located"
	case FringesCounted:
		return "FringesCounted"
	case LinearPass1:
		return "LinearPass1"
	case FringesConstrained:
		return "FringesConstrained"
	case LinearPass2:
		return "LinearPass2"
	case NonlinearRefined:
		return "NonlinearRefined"
	case DiagnosticsComputed:
		return "DiagnosticsComputed"
	case NodesUpdated:
		return "NodesUpdated"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}
