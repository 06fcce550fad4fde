package installer

import "fmt"

// State is the progress of one installation.
type State int

const (
	Uninitialized State = iota
	AssumptionsGathered
	BufferLaidOut
	SitesProcessed
	Registered
	Failed
)

var stateNames = [...]string{
	Uninitialized:       "uninitialized",
	AssumptionsGathered: "assumptions_gathered",
	BufferLaidOut:       "buffer_laid_out",
	SitesProcessed:      "sites_processed",
	Registered:          "registered",
	Failed:              "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// advance moves to next, which must follow from the current state.
func (x *installation) advance(next State) {
	if next != Failed && next != x.state+1 {
		panic(fmt.Sprintf("installer: invalid transition %s -> %s", x.state, next))
	}
	x.log.Debug("installer state", "from", x.state, "to", next)
	x.state = next
}
