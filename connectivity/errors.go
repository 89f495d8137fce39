package connectivity

import "fmt"

// ErrCircuitOpen is returned when the breaker guarding a service is open and
// the call was rejected without reaching the network.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}
