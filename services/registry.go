package services

import "sync"

// Registry holds the live executions of this process, keyed by task id.
// It is per process: executions owned by other instances are never here.
type Registry struct {
	mu         sync.Mutex
	executions map[string]*execution
}

func NewRegistry() *Registry {
	return &Registry{executions: make(map[string]*execution)}
}

// add refuses an id that still has a live execution. Finished entries are replaced.
func (r *Registry) add(x *execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.executions[x.id]; ok && !cur.finished() {
		return ErrAlreadyRegistered
	}
	r.executions[x.id] = x
	return nil
}

// remove deletes x only if it is still the registered execution for its id.
func (r *Registry) remove(x *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executions[x.id] == x {
		delete(r.executions, x.id)
	}
}

func (r *Registry) get(id string) (*execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x, ok := r.executions[id]
	return x, ok
}

// Cancel stops and removes the execution of id owned by tenantID. It reports
// whether one was found; a missing id is not an error.
func (r *Registry) Cancel(id, tenantID string) bool {
	r.mu.Lock()
	x, ok := r.executions[id]
	if ok && x.tenantID == tenantID {
		delete(r.executions, id)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		x.stop()
	}
	return ok
}

// cancelExecution stops x only if it is still the registered execution for its id.
func (r *Registry) cancelExecution(x *execution) bool {
	r.mu.Lock()
	ok := r.executions[x.id] == x
	if ok {
		delete(r.executions, x.id)
	}
	r.mu.Unlock()

	if ok {
		x.stop()
	}
	return ok
}

func (r *Registry) CancelAll() int {
	r.mu.Lock()
	all := make([]*execution, 0, len(r.executions))
	for id, x := range r.executions {
		all = append(all, x)
		delete(r.executions, id)
	}
	r.mu.Unlock()

	for _, x := range all {
		x.stop()
	}
	return len(all)
}

// Sweep prunes executions that already finished or were cancelled.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, x := range r.executions {
		if x.finished() {
			delete(r.executions, id)
			n++
		}
	}
	return n
}

func (r *Registry) Has(id string) bool {
	_, ok := r.get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executions)
}

func (r *Registry) snapshot() []*execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*execution, 0, len(r.executions))
	for _, x := range r.executions {
		all = append(all, x)
	}
	return all
}
