package config

import "fmt"

// ProbeFlags collects the repeatable readiness probe flags. Every list other
// than Paths must be empty, hold one value that applies to all probes, or
// hold one value per path.
type ProbeFlags struct {
	Paths               []string
	MaxTries            []int
	RetryDelayMs        []int
	TimeoutMs           []int
	ResponseStatusCodes []int
	ResponseBodies      []string
}

func (f ProbeFlags) empty() bool {
	return len(f.Paths) == 0 && len(f.MaxTries) == 0 && len(f.RetryDelayMs) == 0 &&
		len(f.TimeoutMs) == 0 && len(f.ResponseStatusCodes) == 0 && len(f.ResponseBodies) == 0
}

// Expand turns the per-property lists into one ProbeOptions per probe. It
// returns nil when no probe flag was given.
func (f ProbeFlags) Expand() ([]ProbeOptions, error) {
	if f.empty() {
		return nil, nil
	}

	n := len(f.Paths)
	if n == 0 {
		n = 1
	}
	for name, length := range map[string]int{
		"readiness-probe-max-tries":            len(f.MaxTries),
		"readiness-probe-retry-delay-ms":       len(f.RetryDelayMs),
		"readiness-probe-timeout-ms":           len(f.TimeoutMs),
		"readiness-probe-response-status-code": len(f.ResponseStatusCodes),
		"readiness-probe-response-body":        len(f.ResponseBodies),
	} {
		if length > 1 && length != n {
			return nil, fmt.Errorf("must have 1 or %d %s values", n, name)
		}
	}

	probes := make([]ProbeOptions, n)
	for i := range probes {
		p := &probes[i]
		if len(f.Paths) > 0 {
			p.Path = &f.Paths[i]
		}
		p.MaxTries = pick(f.MaxTries, i)
		p.ResponseStatusCode = pick(f.ResponseStatusCodes, i)
		p.ResponseBody = pick(f.ResponseBodies, i)
		if ms := pick(f.RetryDelayMs, i); ms != nil {
			v := int64(*ms)
			p.RetryDelayMs = &v
		}
		if ms := pick(f.TimeoutMs, i); ms != nil {
			v := int64(*ms)
			p.TimeoutMs = &v
		}
	}
	return probes, nil
}

func pick[T any](values []T, i int) *T {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return &values[0]
	default:
		return &values[i]
	}
}
