package flow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

// Action is one dispatchable flow step. The concrete types below are
// the whole set; Dispatch switches over them.
type Action interface {
	actionName() string
}

// CreateRecord creates a new record of the named type, inheriting
// patient, study and series from the triggering record as far as the
// target type's level requires.
type CreateRecord struct {
	TypeName string
	// SeriesID, UserID and Info override the inherited values when set.
	SeriesID *uint
	UserID   *string
	Info     *string
}

func (CreateRecord) actionName() string { return "create_record" }

// UpdateRecord overrides the status of a record in the flow context.
type UpdateRecord struct {
	RecordName string
	Status     store.Status
}

func (UpdateRecord) actionName() string { return "update_record" }

// Call carries the injected arguments of a CallFunction action.
type Call struct {
	// Record is the triggering record.
	Record *store.Record
	// Context is the flow evaluation scope.
	Context Context
	// Client is the process DICOM client handle, when one was wired.
	Client interface{}
	Kwargs map[string]interface{}
}

// CallFunction invokes a user-supplied callable. Async callables run on
// their own goroutine; their errors are logged, not returned.
type CallFunction struct {
	Name   string
	Fn     func(ctx context.Context, call Call) error
	Async  bool
	Kwargs map[string]interface{}
}

func (CallFunction) actionName() string { return "call_function" }

// RecordStore is the store slice the executor mutates records through.
// *store.Store satisfies it.
type RecordStore interface {
	GetRecordType(ctx context.Context, name string) (*store.RecordType, error)
	CreateRecord(ctx context.Context, record *store.Record) error
	UpdateStatus(ctx context.Context, recordID uint, newStatus store.Status) (*store.Record, store.Status, error)
}

// Executor is the side-effecting tail of the engine. Action errors are
// logged and never abort sibling actions.
type Executor struct {
	store  RecordStore
	client interface{}
}

// NewExecutor builds an executor. client is handed to CallFunction
// actions that did not set their own.
func NewExecutor(recordStore RecordStore, client interface{}) *Executor {
	return &Executor{store: recordStore, client: client}
}

// Dispatch runs one action against the triggering record and scope.
func (x *Executor) Dispatch(ctx context.Context, action Action, trigger *store.Record, scope Context) {
	var err error
	switch a := action.(type) {
	case CreateRecord:
		err = x.createRecord(ctx, a, trigger)
	case UpdateRecord:
		err = x.updateRecord(ctx, a, scope)
	case CallFunction:
		err = x.callFunction(ctx, a, trigger, scope)
	default:
		err = fmt.Errorf("unknown action %T", action)
	}
	if err != nil {
		common.Logger.WithFields(logrus.Fields{
			"action": action.actionName(),
			"record": trigger.ID,
			"error":  err,
		}).Error("flow action failed")
	}
}

func (x *Executor) createRecord(ctx context.Context, a CreateRecord, trigger *store.Record) error {
	rt, err := x.store.GetRecordType(ctx, a.TypeName)
	if err != nil {
		return fmt.Errorf("failed to resolve record type %q: %w", a.TypeName, err)
	}

	record := &store.Record{
		PatientID:    trigger.PatientID,
		RecordTypeID: rt.ID,
		UserID:       a.UserID,
		ContextInfo:  a.Info,
	}
	switch rt.Level {
	case store.LevelStudy:
		record.StudyID = trigger.StudyID
	case store.LevelSeries:
		record.StudyID = trigger.StudyID
		record.SeriesID = trigger.SeriesID
		if a.SeriesID != nil {
			record.SeriesID = a.SeriesID
		}
	}

	if err := x.store.CreateRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to create %q record: %w", a.TypeName, err)
	}
	common.Logger.WithFields(logrus.Fields{
		"type":    a.TypeName,
		"record":  record.ID,
		"trigger": trigger.ID,
	}).Info("flow created record")
	return nil
}

func (x *Executor) updateRecord(ctx context.Context, a UpdateRecord, scope Context) error {
	record, ok := scope[a.RecordName]
	if !ok {
		return fmt.Errorf("record %q not in context: %w", a.RecordName, common.ErrNotFound)
	}
	if _, _, err := x.store.UpdateStatus(ctx, record.ID, a.Status); err != nil {
		return fmt.Errorf("failed to update %q to %s: %w", a.RecordName, a.Status, err)
	}
	return nil
}

func (x *Executor) callFunction(ctx context.Context, a CallFunction, trigger *store.Record, scope Context) error {
	if a.Fn == nil {
		return fmt.Errorf("function %q is nil", a.Name)
	}
	call := Call{
		Record:  trigger,
		Context: scope,
		Client:  x.client,
		Kwargs:  a.Kwargs,
	}
	if a.Async {
		go func() {
			if err := a.Fn(context.WithoutCancel(ctx), call); err != nil {
				common.Logger.WithFields(logrus.Fields{
					"function": a.Name,
					"error":    err,
				}).Error("async flow function failed")
			}
		}()
		return nil
	}
	if err := a.Fn(ctx, call); err != nil {
		return fmt.Errorf("function %q: %w", a.Name, err)
	}
	return nil
}
