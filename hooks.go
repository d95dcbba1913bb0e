package zgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Operation identifies the statement a hook surrounds.
type Operation int

const (
	OpFetch Operation = iota + 1
	OpInsert
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpFetch:
		return "fetch"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// HookEvent is passed to before and after hooks. Hooks may mutate Query
// (fetch), the node props (insert) or Patch (update) before the statement
// runs.
type HookEvent struct {
	Op     Operation
	Entity *EntityType
	// Nodes are the nodes being written, or the fetched nodes in after hooks.
	Nodes []*Node
	// Query is the fetch query; nil for writes.
	Query *Query
	// Patch holds the changed properties of an update.
	Patch map[string]any
}

// BeforeHook runs before each statement of its entity. Returning ErrCancel
// (or an error wrapping it) vetoes the statement: a vetoed fetch yields no
// rows, a vetoed update or delete is skipped and a vetoed insert fails the
// call with a CancelledError.
type BeforeHook interface {
	BeforeOperation(ctx context.Context, ev *HookEvent) error
}

// AfterHook runs after each statement of its entity.
type AfterHook interface {
	AfterOperation(ctx context.Context, ev *HookEvent) error
}

// ValidateArgs describes the data a Validator checks.
type ValidateArgs struct {
	Entity *EntityType
	Op     Operation
	Node   *Node
	// Data are the columns about to be written. For updates only the changed
	// columns are present and Patch is set.
	Data  map[string]any
	Patch bool
}

// Validator checks and may transform the data of an insert or update. The
// returned map replaces Data.
type Validator interface {
	Validate(ctx context.Context, args *ValidateArgs) (map[string]any, error)
}

// BeforeFunc adapts a function to BeforeHook.
type BeforeFunc func(ctx context.Context, ev *HookEvent) error

func (f BeforeFunc) BeforeOperation(ctx context.Context, ev *HookEvent) error { return f(ctx, ev) }

// AfterFunc adapts a function to AfterHook.
type AfterFunc func(ctx context.Context, ev *HookEvent) error

func (f AfterFunc) AfterOperation(ctx context.Context, ev *HookEvent) error { return f(ctx, ev) }

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, args *ValidateArgs) (map[string]any, error)

func (f ValidatorFunc) Validate(ctx context.Context, args *ValidateArgs) (map[string]any, error) {
	return f(ctx, args)
}

// RequireFields returns a Validator rejecting inserts that leave any of
// fields nil or blank, and updates that set them to nil or blank.
func RequireFields(fields ...string) Validator {
	return ValidatorFunc(func(_ context.Context, args *ValidateArgs) (map[string]any, error) {
		verr := &ValidationError{Entity: args.Entity.Name}
		for _, f := range fields {
			v, present := args.Data[f]
			if args.Patch && !present {
				continue
			}
			if isNil(v) {
				verr.Add(f, "is required")
				continue
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				verr.Add(f, "must not be blank")
			}
		}
		if verr.HasErrors() {
			return nil, verr
		}
		return args.Data, nil
	})
}

// runBefore calls every before hook. cancelled is true when a hook vetoed.
func runBefore(ctx context.Context, ev *HookEvent) (cancelled bool, err error) {
	for _, h := range ev.Entity.before {
		if err := h.BeforeOperation(ctx, ev); err != nil {
			if errors.Is(err, ErrCancel) {
				return true, nil
			}
			return false, err
		}
	}
	return false, nil
}

func runAfter(ctx context.Context, ev *HookEvent) error {
	for _, h := range ev.Entity.after {
		if err := h.AfterOperation(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func runValidators(ctx context.Context, args *ValidateArgs) (map[string]any, error) {
	data := args.Data
	for _, v := range args.Entity.validators {
		args.Data = data
		out, err := v.Validate(ctx, args)
		if err != nil {
			return nil, err
		}
		if out != nil {
			data = out
		}
	}
	return data, nil
}
