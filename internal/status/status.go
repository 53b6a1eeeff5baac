// Package status partitions the transport's raw status vocabulary into
// terminal and non-terminal classes.
package status

import (
	"strings"

	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
)

// Status is a canonical transaction status name.
type Status string

// Terminal statuses. No update follows them.
const (
	FinalityTimeout Status = "finality-timeout"
	Finalized       Status = "finalized"
	InBlock         Status = "in-block"
	Usurped         Status = "usurped"
	Dropped         Status = "dropped"
	Invalid         Status = "invalid"
	Cancelled       Status = "cancelled"
	Error           Status = "error"
	Sent            Status = "sent"
)

// Known non-terminal statuses.
const (
	Future     Status = "future"
	Ready      Status = "ready"
	Broadcast  Status = "broadcast"
	Retracted  Status = "retracted"
	Queued     Status = "queued"
	Signing    Status = "signing"
	Sending    Status = "sending"
	Completed  Status = "completed"
	Incomplete Status = "incomplete"
	Blocked    Status = "blocked"
)

// Class is the result of classifying a status.
type Class int

const (
	NonTerminal Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "non-terminal"
}

var terminal = []Status{
	FinalityTimeout, Finalized, InBlock, Usurped, Dropped, Invalid, Cancelled, Error, Sent,
}

var nonTerminal = []Status{
	Future, Ready, Broadcast, Retracted, Queued, Signing, Sending, Completed, Incomplete, Blocked,
}

// canonical is keyed by the folded form of every known status.
var canonical = func() map[string]Status {
	m := make(map[string]Status, len(terminal)+len(nonTerminal))
	for _, s := range terminal {
		m[fold(string(s))] = s
	}
	for _, s := range nonTerminal {
		m[fold(string(s))] = s
	}
	return m
}()

var terminalSet = func() map[Status]struct{} {
	m := make(map[Status]struct{}, len(terminal))
	for _, s := range terminal {
		m[s] = struct{}{}
	}
	return m
}()

// fold lowercases s and drops the separators transports disagree on.
func fold(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}

// Normalize maps a raw status to its canonical name. Unknown statuses are
// returned lowercased and trimmed.
func Normalize(raw string) Status {
	if s, ok := canonical[fold(raw)]; ok {
		return s
	}
	return Status(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether raw names a status in the vocabulary.
func Known(raw string) bool {
	_, ok := canonical[fold(raw)]
	return ok
}

// Classify is total: every input is either Terminal or NonTerminal.
func Classify(raw string) Class {
	if _, ok := terminalSet[Normalize(raw)]; ok {
		return Terminal
	}
	return NonTerminal
}

// IsTerminal is shorthand for Classify(raw) == Terminal.
func IsTerminal(raw string) bool {
	return Classify(raw) == Terminal
}

// IsSuccess reports whether a terminal status means the transaction made it
// onto the chain. It does not consider errors carried alongside the status.
func IsSuccess(s Status) bool {
	switch Normalize(string(s)) {
	case Finalized, InBlock, Sent:
		return true
	}
	return false
}

// TerminalStatuses returns the terminal vocabulary.
func TerminalStatuses() []Status {
	return append([]Status(nil), terminal...)
}

// Classifier classifies statuses and reports the ones it does not know.
type Classifier struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewClassifier returns a Classifier. Both arguments may be nil.
func NewClassifier(logger *logging.Logger, m *metrics.Metrics) *Classifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Classifier{logger: logger, metrics: m}
}

// Classify normalizes raw and classifies it. Unrecognized statuses are
// NonTerminal and logged as a warning.
func (c *Classifier) Classify(raw string) (Status, Class) {
	s := Normalize(raw)
	if !Known(raw) {
		c.logger.Warn("Unrecognized transaction status", "status", raw)
		c.metrics.RecordUnknownStatus()
		return s, NonTerminal
	}
	return s, Classify(raw)
}
