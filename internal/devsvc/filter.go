package devsvc

import "strings"

// Filter decides whether a discovered device is eligible for
// monitoring. Rules are evaluated in a fixed order; the first matching
// rule excludes the device. Eligibility is independent of selection.
type Filter struct {
	deny       map[string]struct{}
	filterMice bool
}

// NewFilter builds a filter from the effective deny set (already
// lower-cased) and the optional mouse rule switch.
func NewFilter(deny map[string]struct{}, filterMice bool) Filter {
	return Filter{deny: deny, filterMice: filterMice}
}

// Eligible reports whether the descriptor may be monitored.
func (f Filter) Eligible(d Descriptor) bool {
	if _, denied := f.deny[strings.ToLower(d.Name)]; denied {
		return false
	}
	if isPurePointer(d.Capabilities) {
		return false
	}
	if f.filterMice && isMouse(d.Capabilities) {
		return false
	}
	// Devices with neither keys nor scroll carry no actionable signal.
	return d.Capabilities.Keys || d.Capabilities.HasScroll()
}

// isPurePointer matches devices whose capability set is only relative
// X/Y movement. Always excluded, not configurable.
func isPurePointer(c Capabilities) bool {
	if !c.RelX && !c.RelY {
		return false
	}
	return !c.Keys && !c.MouseButtons && !c.HasScroll()
}

// isMouse matches devices with relative X/Y movement plus at least one
// mouse button, even when they carry other capabilities.
func isMouse(c Capabilities) bool {
	return (c.RelX || c.RelY) && c.MouseButtons
}
