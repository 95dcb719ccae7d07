package supervision

// HaRole is a cluster node's designation. Master nodes actively run the
// background worker; None nodes stand by.
type HaRole string

// Known HA roles. Notification payloads carrying any other value are
// ignored by role sources: the failure semantics of unknown roles are
// deliberately left as "no state change" rather than inventing a mapping.
const (
	RoleMaster HaRole = "master"
	RoleNone   HaRole = "none"
)

// ParseHaRole maps a wire-level role string onto a known HaRole. The second
// return value reports whether the value is recognized.
func ParseHaRole(s string) (HaRole, bool) {
	switch HaRole(s) {
	case RoleMaster:
		return RoleMaster, true
	case RoleNone:
		return RoleNone, true
	}
	return "", false
}
