package download

import (
	"fmt"
	"time"

	"github.com/sells-group/census-cli/internal/cache"
)

// State is where one key is in its lifecycle:
// Pending → InFlight → {Cached | Fetched | Failed}. A cache hit goes straight
// from Pending to Cached.
type State int

const (
	Pending State = iota
	InFlight
	Cached
	Fetched
	Failed
)

var stateNames = [...]string{"pending", "in_flight", "cached", "fetched", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the key is finished.
func (s State) Terminal() bool { return s == Cached || s == Fetched || s == Failed }

// Outcome is the final record for one key.
type Outcome struct {
	Key      cache.Key
	State    State
	Rows     int
	Err      error
	Duration time.Duration
}

// Progress is a point-in-time count of keys per state.
type Progress struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Cached   int `json:"cached"`
	Fetched  int `json:"fetched"`
	Failed   int `json:"failed"`
}

// Finished is the number of keys in a terminal state.
func (p Progress) Finished() int { return p.Cached + p.Fetched + p.Failed }

// Done reports whether every key is terminal.
func (p Progress) Done() bool { return p.Finished() == p.Total }

// Tally counts outcomes per state.
func Tally(outcomes []Outcome) Progress {
	p := Progress{Total: len(outcomes)}
	for _, o := range outcomes {
		p.add(o.State, 1)
	}
	return p
}

func (p *Progress) add(s State, n int) {
	switch s {
	case Pending:
		p.Pending += n
	case InFlight:
		p.InFlight += n
	case Cached:
		p.Cached += n
	case Fetched:
		p.Fetched += n
	case Failed:
		p.Failed += n
	}
}
