package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

// Branch is one conditional step of a definition. An else branch fires
// iff the immediately preceding condition did not match and ends the
// walk.
type Branch struct {
	Cond    Condition
	Actions []Action
}

// Definition binds a flow to a record type and optionally to one status.
// A nil StatusTrigger fires on every transition.
type Definition struct {
	TypeName      string
	StatusTrigger *store.Status
	// Actions run unconditionally before the branches.
	Actions  []Action
	Branches []Branch
}

// Validate performs the static checks done at registration: the type
// name is required, every non-else branch carries at least one action,
// and an else branch may only appear last.
func (d *Definition) Validate() error {
	if d.TypeName == "" {
		return fmt.Errorf("flow has no record type: %w", common.ErrValidation)
	}
	for i, branch := range d.Branches {
		if branch.Cond.IsElse() {
			if i != len(d.Branches)-1 {
				return fmt.Errorf("flow %s: else must be the last branch: %w", d.TypeName, common.ErrValidation)
			}
			continue
		}
		if len(branch.Actions) == 0 {
			return fmt.Errorf("flow %s: branch %d has no actions: %w", d.TypeName, i, common.ErrValidation)
		}
	}
	return nil
}

// ContextStore is the store slice used to assemble flow contexts.
// *store.Store satisfies it.
type ContextStore interface {
	RecordsForStudy(ctx context.Context, studyID uint) ([]store.Record, error)
	RecordsForSeries(ctx context.Context, seriesID uint) ([]store.Record, error)
}

// Engine holds the registered flow definitions and reacts to record
// status transitions. Wire Notify to the store with OnStatusChange.
type Engine struct {
	store ContextStore
	exec  *Executor

	mu    sync.RWMutex
	flows map[string][]*Definition
}

// NewEngine builds an engine dispatching actions through exec.
func NewEngine(contextStore ContextStore, exec *Executor) *Engine {
	return &Engine{
		store: contextStore,
		exec:  exec,
		flows: make(map[string][]*Definition),
	}
}

// Register validates and adds a definition. Invalid flows are rejected.
func (e *Engine) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flows[def.TypeName] = append(e.flows[def.TypeName], def)
	return nil
}

// buildContext assembles the evaluation scope of a triggering record:
// the latest record per type sharing the study, overlaid by those
// sharing the series, with the trigger inserted under its own type.
// Load failures are logged; the context is whatever could be fetched.
func (e *Engine) buildContext(ctx context.Context, record *store.Record) Context {
	scope := Context{}

	if record.StudyID != nil {
		records, err := e.store.RecordsForStudy(ctx, *record.StudyID)
		if err != nil {
			common.Logger.WithError(err).Warn("failed to load study records for flow context")
		}
		for i := range records {
			if records[i].RecordType != nil {
				scope[records[i].RecordType.Name] = &records[i]
			}
		}
	}
	if record.SeriesID != nil {
		records, err := e.store.RecordsForSeries(ctx, *record.SeriesID)
		if err != nil {
			common.Logger.WithError(err).Warn("failed to load series records for flow context")
		}
		for i := range records {
			if records[i].RecordType != nil {
				scope[records[i].RecordType.Name] = &records[i]
			}
		}
	}

	if record.RecordType != nil {
		scope[record.RecordType.Name] = record
	}
	return scope
}

// Notify runs every flow registered for the record's type whose trigger
// matches the new status. It is the store's StatusListener.
func (e *Engine) Notify(ctx context.Context, record *store.Record, newStatus, oldStatus store.Status) {
	if record.RecordType == nil {
		return
	}

	e.mu.RLock()
	defs := e.flows[record.RecordType.Name]
	e.mu.RUnlock()

	for _, def := range defs {
		if def.StatusTrigger != nil && *def.StatusTrigger != newStatus {
			continue
		}
		e.run(ctx, def, record, newStatus, oldStatus)
	}
}

func (e *Engine) run(ctx context.Context, def *Definition, record *store.Record, newStatus, oldStatus store.Status) {
	log := common.Logger.WithFields(logrus.Fields{
		"flow":   def.TypeName,
		"record": record.ID,
		"status": newStatus,
	})
	log.Debug("running flow")

	scope := e.buildContext(ctx, record)

	for _, action := range def.Actions {
		e.exec.Dispatch(ctx, action, record, scope)
	}

	prevMatched := false
	for _, branch := range def.Branches {
		if branch.Cond.IsElse() {
			if !prevMatched {
				for _, action := range branch.Actions {
					e.exec.Dispatch(ctx, action, record, scope)
				}
			}
			return
		}

		matched, err := branch.Cond.Eval(scope)
		if err != nil {
			log.WithError(err).Warn("flow condition failed to evaluate, treated as false")
			matched = false
		}
		if matched {
			for _, action := range branch.Actions {
				e.exec.Dispatch(ctx, action, record, scope)
			}
		}
		prevMatched = matched
	}
}
