// Package monitor implements C6: gating C1's activation to named function
// spans.
//
// Nesting: the original tool tracked a single enabled boolean, which is
// wrong for recursive or overlapping monitored functions (spec §9's open
// question). This implementation resolves that question by tracking a
// nesting depth per monitored function name and deriving Enabled from the
// sum across all of them — enabled stays true until every currently
// entered monitored call has returned, not just the most recent one.
package monitor

import "github.com/sarchlab/bfi/host"

// Monitor gates activation to spans of configured function names. A
// Monitor with no configured names is always enabled.
type Monitor struct {
	names  []string
	target host.ThreadID

	depth   map[string]uint32
	entries map[string]uint64
	active  uint32
}

// New returns a Monitor watching the given function names on target —
// the same thread C1's counters are gated to (spec §5: non-target
// threads execute instrumented callbacks but those callbacks short-
// circuit to no-ops). An empty name list means "no gating": Enabled
// always reports true regardless of thread.
func New(names []string, target host.ThreadID) *Monitor {
	m := &Monitor{names: names, target: target}
	if len(names) > 0 {
		m.depth = make(map[string]uint32, len(names))
		m.entries = make(map[string]uint64, len(names))
	}
	return m
}

// Configured reports whether any function names were given.
func (m *Monitor) Configured() bool { return len(m.names) > 0 }

// Enabled reports whether C1 should currently advance on the calling
// thread: true unconditionally if no functions are configured, otherwise
// true iff at least one monitored call is currently active.
func (m *Monitor) Enabled() bool {
	if !m.Configured() {
		return true
	}
	return m.active > 0
}

// EntryCount returns how many times name has been entered so far
// (informational; spec.md's original `cfunc` field, see SPEC_FULL.md).
func (m *Monitor) EntryCount(name string) uint64 {
	return m.entries[name]
}

// Attach resolves every configured function name against img and wires
// enter/exit callbacks on h. Names that img does not define are silently
// skipped — another image may define them, or the target may simply not
// link that symbol. Per spec §5/§4.6, a non-target thread entering or
// leaving a monitored function must not touch enabled/depth/entries —
// those are scoped to whichever thread C1 counts on — so enter/leave
// short-circuit to no-ops off-thread, mirroring counters.Attach's gate.
func (m *Monitor) Attach(h host.Host, img host.Image) {
	for _, name := range m.names {
		name := name
		low, high, ok := img.FindFunc(name)
		if !ok {
			continue
		}
		h.OnFunctionEnter(low, high, func(thread host.ThreadID) {
			if thread != m.target {
				return
			}
			m.enter(name)
		})
		h.OnFunctionLeave(low, high, func(thread host.ThreadID) {
			if thread != m.target {
				return
			}
			m.leave(name)
		})
	}
}

func (m *Monitor) enter(name string) {
	m.entries[name]++
	m.depth[name]++
	m.active++
}

func (m *Monitor) leave(name string) {
	if m.depth[name] == 0 {
		// Unbalanced leave (e.g. a leave for a call that started before
		// monitoring attached); nothing to retire.
		return
	}
	m.depth[name]--
	m.active--
}
