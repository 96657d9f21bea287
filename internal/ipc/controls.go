package ipc

// Controls is the control surface of the session controller.
type Controls interface {
	Toggle(source string) bool
	SetActive(active bool, source string) bool
	Cancel(source string)
	IsActive() bool
}

// cancel forwards a Cancel and reports whether a session was visibly active.
func cancel(c Controls, source string) bool {
	wasActive := c.IsActive()
	c.Cancel(source)
	return wasActive
}
