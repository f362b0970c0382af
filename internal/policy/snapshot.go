package policy

// Snapshot is the immutable decoded policy set the agent's monitors consult.
// The policy-sync loop builds a new Snapshot from each received bundle and
// publishes it atomically; readers never observe a partially-applied bundle.
// A Snapshot is never mutated after construction, so it is safe for
// unsynchronised concurrent reads.
type Snapshot struct {
	version string
	rules   map[Type][]Rule
	count   int
}

// EmptySnapshot is the policy view before the first successful bundle sync.
// It matches nothing and reports no installed version.
func EmptySnapshot() *Snapshot {
	return &Snapshot{rules: map[Type][]Rule{}}
}

// NewSnapshot decodes b into a Snapshot. Wire policies that fail to decode or
// carry a type this build does not understand are skipped and reported in the
// second return value; a partially-decodable bundle still yields a usable
// snapshot (the manager excludes invalid configs at assembly time, so skips
// here indicate version skew rather than operator error).
func NewSnapshot(b *Bundle) (*Snapshot, []error) {
	s := &Snapshot{
		version: b.Version,
		rules:   make(map[Type][]Rule, len(b.Policies)),
	}
	var errs []error
	for t, wires := range b.Policies {
		if !t.IsKnown() {
			continue
		}
		for _, w := range wires {
			if !w.Enabled {
				continue
			}
			r, err := DecodeRule(t, w)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.rules[t] = append(s.rules[t], r)
			s.count++
		}
	}
	return s, errs
}

// Version returns the bundle version this snapshot was built from, or the
// empty string for EmptySnapshot.
func (s *Snapshot) Version() string { return s.version }

// Count returns the number of decoded, enabled rules.
func (s *Snapshot) Count() int { return s.count }

// Rules returns the decoded rules of one policy family. The returned slice
// must not be modified.
func (s *Snapshot) Rules(t Type) []Rule { return s.rules[t] }

// FileRules returns the union of file_system_monitoring and
// file_transfer_monitoring rules, which the filesystem monitor treats
// uniformly.
func (s *Snapshot) FileRules() []Rule {
	fs := s.rules[TypeFileSystem]
	ft := s.rules[TypeFileTransfer]
	if len(ft) == 0 {
		return fs
	}
	out := make([]Rule, 0, len(fs)+len(ft))
	out = append(out, fs...)
	out = append(out, ft...)
	return out
}

// Has reports whether at least one rule of family t is installed.
func (s *Snapshot) Has(t Type) bool { return len(s.rules[t]) > 0 }

// Any reports whether any rule at all is installed. The uploader drops
// newly-produced events while this is false so an unconfigured agent never
// floods the manager.
func (s *Snapshot) Any() bool { return s.count > 0 }

// USBBlockingActive reports whether some usb_device_monitoring rule demands a
// global block on connect. The enforcer's USB controller reconciles the OS
// mass-storage driver state against this flag on every bundle swap.
func (s *Snapshot) USBBlockingActive() bool {
	for _, r := range s.rules[TypeUSBDevice] {
		if r.Action == ActionBlock && r.MonitorsEvent("usb_connect") {
			return true
		}
	}
	return false
}
