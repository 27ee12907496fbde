// Package crawler defines core types shared across subsystems.
package crawler

import "time"

// FailedFetchExplanation is the sentinel stored when a record's detail
// document could not be resolved after the retry budget was spent.
const FailedFetchExplanation = "<fetch failed>"

// RecordStub is one case as it appears in the listing, before its
// detail document has been resolved.
type RecordStub struct {
	// ID is the source-side handle used to fetch the detail document.
	// Its shape is transport-specific (a document id for the JSON API,
	// a row position for the rendered table).
	ID             string
	Court          string
	CaseNumber     string
	DecisionNumber string
	DecisionDate   string
	Status         string
}

// Identity returns the pair that uniquely identifies a case within one
// checkpoint lineage.
func (s RecordStub) Identity() RecordIdentity {
	return RecordIdentity{CaseNumber: s.CaseNumber, DecisionNumber: s.DecisionNumber}
}

// RecordIdentity is the (case number, decision number) identity key.
type RecordIdentity struct {
	CaseNumber     string
	DecisionNumber string
}

// Record is one fully extracted case entry.
type Record struct {
	Court          string
	CaseNumber     string
	DecisionNumber string
	DecisionDate   string
	Status         string
	Explanation    string
	Page           int
}

// Identity returns the record's identity key.
func (r Record) Identity() RecordIdentity {
	return RecordIdentity{CaseNumber: r.CaseNumber, DecisionNumber: r.DecisionNumber}
}

// RawPage is the unparsed content of one listing page as served by the
// transport.
type RawPage struct {
	Page int
	URL  string
	Body []byte
}

// RawDetail is the detail document for one record. HTML carries the
// document as served; Text is the transport's plain-text reduction
// used as the record explanation.
type RawDetail struct {
	ID   string
	HTML []byte
	Text string
}

// Verdict is the block detector's answer.
type Verdict int

// Verdict values.
const (
	Clear Verdict = iota
	Blocked
)

func (v Verdict) String() string {
	if v == Blocked {
		return "blocked"
	}
	return "clear"
}

// WriteMode tells the sink how to treat the destination.
type WriteMode int

const (
	// ModeAppend appends without a header, creating the destination
	// with a header first if it does not exist. This is the
	// resume-safe path.
	ModeAppend WriteMode = iota
	// ModeCreate truncates the destination and writes a fresh header.
	ModeCreate
)

func (m WriteMode) String() string {
	if m == ModeCreate {
		return "create"
	}
	return "append"
}

// State identifies a phase of the crawl state machine.
type State string

// Crawl states. Terminated is terminal; no state is re-entered after it.
const (
	StateInit            State = "init"
	StateFetchingList    State = "fetching_list"
	StateExtracting      State = "extracting"
	StateFetchingDetails State = "fetching_details"
	StateFlushing        State = "flushing"
	StateAdvancing       State = "advancing"
	StateBlocked         State = "blocked"
	StateRecovering      State = "recovering"
	StateDraining        State = "draining"
	StateTerminated      State = "terminated"
)

// Progress is a point-in-time snapshot of a crawl session, served by
// the status endpoint.
type Progress struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	CurrentPage    int       `json:"current_page"`
	Checkpoint     int       `json:"checkpoint"`
	PagesCompleted int64     `json:"pages_completed"`
	Records        int64     `json:"records"`
	Blocks         int64     `json:"blocks"`
	StartedAt      time.Time `json:"started_at"`
}
