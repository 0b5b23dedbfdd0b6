package flow

// override is the process-wide emergency protocol flag. Activation and
// deactivation are idempotent; both report whether the call changed the
// flag. The zero value is inactive. Locking is owned by the Coordinator.
type override struct {
	active bool
}

func (o *override) activate() bool {
	if o.active {
		return false
	}
	o.active = true
	return true
}

func (o *override) deactivate() bool {
	if !o.active {
		return false
	}
	o.active = false
	return true
}

func (o *override) isActive() bool {
	return o.active
}
