package runner

// IdleArmed reports whether the idle countdown is running
func (r *Runner) IdleArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle != nil
}
