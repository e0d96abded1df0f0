/*
aggregate.go - Main request status from child outcomes

PURPOSE:
  A Main request's status is a pure function of its children. It is
  recomputed whenever a child becomes terminal, inside the store's family
  update so no concurrently created child is missed.

RULE (first match wins):
  no children                              -> WaitingForMatch
  every child Rejected                     -> Rejected
  every child terminal, at least one Closed -> Closed
  otherwise                                -> Matched

  Running it twice on the same child set yields the same status.

SUMMARY:
  Summarize adds the allocation figures shown to requesters: units
  committed by non-rejected children, units remaining and the fill ratio.
*/
package allocation

import (
	"github.com/shopspring/decimal"
)

// Aggregate derives a Main request's status from its children.
func Aggregate(children []Request) Status {
	if len(children) == 0 {
		return StatusWaitingForMatch
	}
	allRejected, allTerminal := true, true
	for _, c := range children {
		if c.Status != StatusRejected {
			allRejected = false
		}
		if !c.Status.Terminal() {
			allTerminal = false
		}
	}
	switch {
	case allRejected:
		return StatusRejected
	case allTerminal:
		return StatusClosed
	default:
		return StatusMatched
	}
}

// Summary is a request with its children and allocation figures. The
// figures are only computed for Main requests.
type Summary struct {
	Request   Request
	Children  []Request
	Allocated int
	Remaining int
	// Fill is Allocated/Units rounded to two places.
	Fill decimal.Decimal
}

func Summarize(r Request, children []Request) Summary {
	s := Summary{Request: r, Children: children, Fill: decimal.Zero}
	if r.Kind != KindMain {
		return s
	}
	s.Allocated = Committed(children)
	s.Remaining = r.Units - s.Allocated
	if r.Units > 0 {
		s.Fill = decimal.NewFromInt(int64(s.Allocated)).
			Div(decimal.NewFromInt(int64(r.Units))).
			Round(2)
	}
	return s
}
