package workflow

// IsValid checks the workflow before execution. Categories are checked in
// order and the first failing one is reported alone:
//
//  1. the workflow has nodes
//  2. the node graph is acyclic
//  3. the node graph is weakly connected
//  4. every required input is connected
//  5. every connection is type compatible
//
// The returned set is empty when the workflow can run.
func (w *Workflow) IsValid() *Errors {
	w.mu.RLock()
	defer w.mu.RUnlock()

	errs := NewErrors()
	if len(w.nodes) == 0 {
		errs.Add(NewEmptyGraph())
		return errs
	}

	g := w.buildGraphLocked()
	if g.findCycle() != nil {
		errs.Add(NewCycleDetected())
		return errs
	}
	if !g.weaklyConnected() {
		errs.Add(NewNotConnectedGraph())
		return errs
	}

	for _, n := range w.nodesLocked() {
		for _, in := range n.inputsLocked() {
			if !in.optional && in.source.IsZero() {
				errs.Add(NewInputNotConnected(in.ref()))
			}
		}
	}
	if !errs.Empty() {
		return errs
	}

	for _, e := range w.edgesLocked() {
		out := w.outputLocked(e.From)
		in := w.inputLocked(e.To)
		if !in.typ.CanConvertFrom(out.typ) {
			errs.Add(NewIncompatibleTypes(in.ref(), out.ref()))
		}
	}
	return errs
}

// Validate is IsValid as a single error, nil when the workflow can run.
func (w *Workflow) Validate() error {
	return w.IsValid().Err()
}

// Cycle returns the node path of a cycle, or nil for an acyclic workflow.
func (w *Workflow) Cycle() []NodeID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.buildGraphLocked().findCycle()
}
