// Package loginterp turns free-text generator output into stage mutations.
//
// An Interpreter is an ordered list of independent classifiers. Each line is
// offered to the classifiers in order and the first match wins; a line that
// matches nothing is ignored. Classifiers are pure apart from the counters
// they are handed, so every one of them can be tested with a line and a
// Counters value alone.
package loginterp

import (
	"fmt"
	"strings"

	"github.com/3leaps/coursepipe/pkg/jobregistry"
)

// ProgressCap keeps a counting stage below 100% until an explicit success
// marker arrives.
const ProgressCap = 0.95

// MatchFunc inspects one line. On a match it may mutate c and returns the
// resulting change.
type MatchFunc func(line string, c *jobregistry.Counters) (jobregistry.Change, bool)

// Classifier is one named line pattern.
type Classifier struct {
	Name string

	// Example is a representative line the classifier accepts.
	Example string

	Match MatchFunc
}

// Interpreter applies classifiers in order.
type Interpreter struct {
	name        string
	classifiers []Classifier
}

// New builds an interpreter from classifiers; order is significant.
func New(name string, classifiers ...Classifier) *Interpreter {
	return &Interpreter{name: name, classifiers: classifiers}
}

func (in *Interpreter) Name() string { return in.name }

// Classifiers returns a copy of the classifier list.
func (in *Interpreter) Classifiers() []Classifier {
	return append([]Classifier(nil), in.classifiers...)
}

// Interpret offers line to each classifier and returns the first match and
// its classifier name. Counters are only touched by the matching classifier.
func (in *Interpreter) Interpret(line string, c *jobregistry.Counters) (jobregistry.Change, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return jobregistry.Change{}, "", false
	}
	for _, cl := range in.classifiers {
		if change, ok := cl.Match(line, c); ok {
			return change, cl.Name, true
		}
	}
	return jobregistry.Change{}, "", false
}

// For returns the interpreter for a job type.
func For(t jobregistry.JobType) (*Interpreter, error) {
	switch t {
	case jobregistry.JobTypeOutline:
		return Outline(), nil
	case jobregistry.JobTypeContent:
		return Content(), nil
	default:
		return nil, fmt.Errorf("no interpreter for job type %q", t)
	}
}

func stage(id jobregistry.StageID, status jobregistry.StageStatus) *jobregistry.StageUpdate {
	return &jobregistry.StageUpdate{ID: id, Status: status}
}

func withDetail(u *jobregistry.StageUpdate, detail string) *jobregistry.StageUpdate {
	u.Detail = &detail
	return u
}

func withProgress(u *jobregistry.StageUpdate, p float64) *jobregistry.StageUpdate {
	u.Progress = &p
	return u
}

// countProgress is the shared "processed of total" update. An unknown total
// reports the count as detail only.
func countProgress(id jobregistry.StageID, processed, total int) *jobregistry.StageUpdate {
	u := stage(id, jobregistry.StageRunning)
	if total <= 0 {
		return withDetail(u, fmt.Sprintf("已完成 %d", processed))
	}
	p := float64(processed) / float64(total)
	if p > ProgressCap {
		p = ProgressCap
	}
	return withDetail(withProgress(u, p), fmt.Sprintf("已完成 %d/%d", processed, total))
}
