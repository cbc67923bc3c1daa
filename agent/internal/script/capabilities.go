package script

import "context"

// Capability is a diagnostic view of one script type on this host.
type Capability struct {
	Type        string
	Available   bool
	Interpreter string
	Detail      string
}

// Capabilities probes every script type. It is informational only; Execute
// resolves independently on each call.
func (s *Service) Capabilities(ctx context.Context) []Capability {
	out := make([]Capability, 0, len(Types))
	for _, t := range Types {
		c := Capability{Type: t}
		inv, err := s.resolve(ctx, t, "")
		if err != nil {
			c.Detail = err.Error()
		} else {
			c.Available = true
			c.Interpreter = inv.path
			if inv.cleanup != nil {
				inv.cleanup()
			}
		}
		out = append(out, c)
	}
	return out
}
