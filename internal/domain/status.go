package domain

// Transition checks a requested state change against a transition table.
// The table maps each state to the states reachable from it; states with
// no entry are terminal.
func Transition[S ~string](table map[S][]S, from, to S) error {
	if CanTransition(table, from, to) {
		return nil
	}
	return &InvalidStateTransitionError{From: string(from), To: string(to)}
}

// CanTransition reports whether from -> to is present in table.
func CanTransition[S ~string](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal[S ~string](table map[S][]S, s S) bool {
	return len(table[s]) == 0
}
