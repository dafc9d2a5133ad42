package spa

import "fmt"

// Descriptor identifies a spa found during discovery.
type Descriptor struct {
	// Identifier is the spa's unique ID, stable across restarts.
	Identifier string

	// Name is the user-visible spa name.
	Name string

	// Address is the session endpoint as "ip:port".
	Address string

	// Version is the firmware version, when the spa reported one.
	Version string
}

// String returns "<name> (<identifier>)".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Identifier)
}
