package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrDependencyCycle indicates that job needs form a cycle.
var ErrDependencyCycle = errors.New("job dependencies form a cycle")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or descriptor such as
// "@daily". Schedules are always evaluated in UTC; "@every" intervals and
// explicit time zones are rejected.
func ParseCron(expr string) (Cron, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return Cron{}, errors.New("cron expression is empty")
	case strings.HasPrefix(expr, "@every"):
		return Cron{}, fmt.Errorf("malformed cron %q: interval schedules are not supported", expr)
	case strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ="):
		return Cron{}, fmt.Errorf("malformed cron %q: schedules are evaluated in UTC", expr)
	}
	sched, err := cronParser.Parse("CRON_TZ=UTC " + expr)
	if err != nil {
		return Cron{}, fmt.Errorf("malformed cron %q: %w", expr, err)
	}
	return Cron{Expr: expr, Schedule: sched}, nil
}

// ParseBool parses a boolean input value.
func ParseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

func (l *loader) checkNeeds(jobs []Job) {
	ids := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		ids[j.ID] = struct{}{}
	}
	for _, j := range jobs {
		for _, dep := range j.Needs {
			if _, ok := ids[dep]; !ok {
				l.addf("jobs."+j.ID+".needs", "unknown job %q", dep)
			}
		}
	}
	if _, err := TopologicalOrder(jobs); err != nil {
		l.add("jobs", err)
	}
}

// TopologicalOrder orders job ids so that every job follows its needs. Jobs
// at the same depth are ordered by id. Unknown needs are ignored.
func TopologicalOrder(jobs []Job) ([]string, error) {
	inDegree := make(map[string]int, len(jobs))
	for _, j := range jobs {
		inDegree[j.ID] = 0
	}
	dependents := make(map[string][]string)
	for _, j := range jobs {
		for _, dep := range j.Needs {
			if _, ok := inDegree[dep]; !ok {
				continue
			}
			inDegree[j.ID]++
			dependents[dep] = append(dependents[dep], j.ID)
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(jobs))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var next []string
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) < len(inDegree) {
		var stuck []string
		for id, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return order, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
