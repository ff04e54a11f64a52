package models

// DeviceRequirements is the structured device predicate a job carries.
// Empty fields are wildcards. Two requirements are compatible when their
// predicate intersection is non-empty; a requirement is satisfied by an
// agent whose capabilities fall inside the predicate.
type DeviceRequirements struct {
	Platform     string `json:"platform,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
	MinOSVersion string `json:"min_os_version,omitempty"`
	MaxOSVersion string `json:"max_os_version,omitempty"`
}

// AgentCapabilities describes what a registered agent can execute.
type AgentCapabilities struct {
	Target     Target `json:"target"`
	Platform   string `json:"platform"`
	DeviceType string `json:"device_type,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
}

// fieldsCompatible reports whether two wildcard-able string fields can
// refer to the same device.
func fieldsCompatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

// CompatibleWith reports whether the intersection of r and other is
// non-empty, i.e. some device could satisfy both.
func (r DeviceRequirements) CompatibleWith(other DeviceRequirements) bool {
	if !fieldsCompatible(r.Platform, other.Platform) {
		return false
	}
	if !fieldsCompatible(r.DeviceType, other.DeviceType) {
		return false
	}
	lo, hi := mergeRange(r, other)
	return versionRangeValid(lo, hi)
}

// Intersect narrows r by other and returns the combined predicate.
// Callers must check CompatibleWith first; Intersect on incompatible
// requirements returns an unsatisfiable predicate.
func (r DeviceRequirements) Intersect(other DeviceRequirements) DeviceRequirements {
	out := r
	if out.Platform == "" {
		out.Platform = other.Platform
	}
	if out.DeviceType == "" {
		out.DeviceType = other.DeviceType
	}
	out.MinOSVersion, out.MaxOSVersion = mergeRange(r, other)
	return out
}

// SatisfiedBy reports whether an agent with the given capabilities can run
// a job with requirements r on the given target. BrowserStack targets
// match trivially: the cloud side owns device selection there.
func (r DeviceRequirements) SatisfiedBy(caps AgentCapabilities, target Target) bool {
	if caps.Target != target {
		return false
	}
	if target == TargetBrowserStack {
		return true
	}
	if r.Platform != "" && caps.Platform != r.Platform {
		return false
	}
	if r.DeviceType != "" && caps.DeviceType != "" && caps.DeviceType != r.DeviceType {
		return false
	}
	if caps.OSVersion != "" {
		if r.MinOSVersion != "" && versionLess(caps.OSVersion, r.MinOSVersion) {
			return false
		}
		if r.MaxOSVersion != "" && versionLess(r.MaxOSVersion, caps.OSVersion) {
			return false
		}
	}
	return true
}

func mergeRange(a, b DeviceRequirements) (lo, hi string) {
	lo = a.MinOSVersion
	if lo == "" || (b.MinOSVersion != "" && versionLess(lo, b.MinOSVersion)) {
		lo = b.MinOSVersion
	}
	hi = a.MaxOSVersion
	if hi == "" || (b.MaxOSVersion != "" && versionLess(b.MaxOSVersion, hi)) {
		hi = b.MaxOSVersion
	}
	return lo, hi
}

func versionRangeValid(lo, hi string) bool {
	if lo == "" || hi == "" {
		return true
	}
	return !versionLess(hi, lo)
}

// versionLess compares dotted numeric versions ("13", "13.1", "13.0.2").
// Non-numeric segments fall back to byte comparison.
func versionLess(a, b string) bool {
	as, bs := splitVersion(a), splitVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func splitVersion(v string) []int {
	var out []int
	cur, have := 0, false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + int(c-'0')
			have = true
		case c == '.':
			out = append(out, cur)
			cur, have = 0, false
		default:
			// Non-numeric tail ("13-beta"): treat remainder as zero.
		}
	}
	if have || len(out) == 0 {
		out = append(out, cur)
	}
	return out
}
