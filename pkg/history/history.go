package history

// Update is delivered to listeners on POP navigations.
type Update struct {
	Action   Action
	Location Location
	Delta    int
}

// Listener receives history updates.
type Listener func(Update)

// History persists locations on behalf of the router.
type History interface {
	// Action returns the action that produced the current location.
	Action() Action

	// Location returns the current location.
	Location() Location

	// Push adds a new entry after the current one, discarding forward entries.
	Push(loc Location)

	// Replace overwrites the current entry.
	Replace(loc Location)

	// Go moves delta entries through the stack and notifies listeners.
	Go(delta int)

	// Listen registers a listener for POP updates and returns a function
	// that removes it.
	Listen(l Listener) (unlisten func())

	// CreateHref renders a location as an href.
	CreateHref(loc Location) string
}
