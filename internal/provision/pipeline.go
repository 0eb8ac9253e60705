package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wI2L/jsondiff"
)

var (
	ErrDuplicateProvisioner = errors.New("duplicate provisioner")
	ErrUnsatisfiedConcern   = errors.New("no provisioner provides required concern")
	ErrDependencyCycle      = errors.New("provisioner dependencies form a cycle")
)

// Pipeline runs a fixed set of provisioners in dependency order.
//
// The order is a topological sort of the declared Requires/Provides relation. Provisioners with
// no dependency between them are ordered by name, so the order never depends on the order the
// provisioners were passed in.
type Pipeline[E any] struct {
	steps []Provisioner[E]
}

// NewPipeline checks the declared dependencies of the provisioners and resolves their order.
// It fails if two provisioners share a name, if a required concern has no provider, or if the
// dependencies are cyclic.
func NewPipeline[E any](provisioners ...Provisioner[E]) (*Pipeline[E], error) {
	byName := make(map[string]Provisioner[E], len(provisioners))
	providers := make(map[Concern][]string)
	for _, p := range provisioners {
		if _, ok := byName[p.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvisioner, p.Name())
		}
		byName[p.Name()] = p
		for _, c := range p.Provides() {
			providers[c] = append(providers[c], p.Name())
		}
	}

	// edges[a] lists the provisioners that must run after a
	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(byName))
	for name := range byName {
		inDegree[name] = 0
	}
	for _, p := range provisioners {
		for _, c := range p.Requires() {
			deps, ok := providers[c]
			if !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrUnsatisfiedConcern, p.Name(), c)
			}
			for _, dep := range deps {
				if dep == p.Name() {
					continue
				}
				edges[dep] = append(edges[dep], p.Name())
				inDegree[p.Name()]++
			}
		}
	}

	ready := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	steps := make([]Provisioner[E], 0, len(byName))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		steps = append(steps, byName[next])
		for _, after := range edges[next] {
			inDegree[after]--
			if inDegree[after] == 0 {
				ready = append(ready, after)
			}
		}
	}

	if len(steps) != len(byName) {
		blocked := make([]string, 0)
		for name, degree := range inDegree {
			if degree > 0 {
				blocked = append(blocked, name)
			}
		}
		sort.Strings(blocked)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(blocked, ", "))
	}

	return &Pipeline[E]{steps: steps}, nil
}

// Order returns the names of the provisioners in the order Apply runs them.
func (p *Pipeline[E]) Order() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}

// Apply runs every provisioner against backend, one at a time. It stops at the first failing
// provisioner and returns its error as is. Nothing is rolled back; a caller that gets an error
// should discard backend.
func (p *Pipeline[E]) Apply(ctx context.Context, desired *runtime.Environment, backend E, id runtime.Identity) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		var before []byte
		if debugEnabled() {
			before, _ = json.Marshal(backend)
		}

		err := step.Provision(ctx, desired, backend, id)
		if err != nil {
			log.Error().Err(err).Msgf("provisioner %s failed for runtime %s", step.Name(), id)
			return err
		}

		if before != nil {
			logDiff(step.Name(), before, backend)
		}
	}
	return nil
}

func logDiff(step string, before []byte, backend interface{}) {
	after, err := json.Marshal(backend)
	if err != nil {
		return
	}
	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		log.Debug().Err(err).Msgf("could not diff backend environment after %s", step)
		return
	}
	log.Debug().Msgf("provisioner %s applied %d changes: %s", step, len(patch), patch.String())
}

func debugEnabled() bool {
	return zerolog.GlobalLevel() <= zerolog.DebugLevel && log.Logger.GetLevel() <= zerolog.DebugLevel
}
