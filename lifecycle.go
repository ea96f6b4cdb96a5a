package kattach

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Destroy releases every kernel handle held by the engine. It is safe at any
// stage of the pipeline and when called more than once.
func (e *Engine) Destroy() error {
	if e.state == stateDestroyed {
		return nil
	}
	err := e.teardown()
	e.state = stateDestroyed
	return err
}

// teardown clears the ready flag first, then detaches links before closing
// the programs they reference. Released handles are forgotten, so a second
// call has nothing left to do.
func (e *Engine) teardown() error {
	var result *multierror.Error
	release := func(what string, c *io.Closer) {
		if *c == nil {
			return
		}
		if err := (*c).Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", what, err))
		}
		*c = nil
	}

	if e.coll != nil {
		if err := e.coll.setReady(false); err != nil && !errors.Is(err, ErrMissingSlot) {
			result = multierror.Append(result, fmt.Errorf("clear ready flag: %w", err))
		}
	}

	for i := len(e.funcs) - 1; i >= 0; i-- {
		f := e.funcs[i]
		release("exit link for "+f.Desc(), &f.probes.ExitLink)
		release("entry link for "+f.Desc(), &f.probes.EntryLink)
	}
	release("kretprobe.multi link", &e.exitLink)
	release("kprobe.multi link", &e.entryLink)

	for i := len(e.funcs) - 1; i >= 0; i-- {
		f := e.funcs[i]
		release("exit program for "+f.Desc(), &f.probes.ExitProg)
		release("entry program for "+f.Desc(), &f.probes.EntryProg)
	}

	if e.coll != nil {
		if err := e.coll.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close collection: %w", err))
		}
		e.coll = nil
	}

	return result.ErrorOrNil()
}
