package guest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
)

// Topology captures the guest layout of a plan run. It is rendered in
// two equivalent forms for tests: a shell-sourced file and a YAML file.
type Topology struct {
	Guests []Facts
}

// NewTopology builds a topology snapshot from the active guests.
func NewTopology(guests []Guest) Topology {
	t := Topology{}
	for _, g := range guests {
		t.Guests = append(t.Guests, g.Facts())
	}
	return t
}

// Roles maps each role to the sorted guest names carrying it.
func (t Topology) Roles() map[string][]string {
	roles := map[string][]string{}
	for _, g := range t.Guests {
		if g.Role != "" {
			roles[g.Role] = append(roles[g.Role], g.Name)
		}
	}
	for _, names := range roles {
		sort.Strings(names)
	}
	return roles
}

// WriteBash renders the shell-sourced topology file to path.
func (t Topology) WriteBash(path string) error {
	var b strings.Builder

	names := make([]string, 0, len(t.Guests))
	for _, g := range t.Guests {
		names = append(names, g.Name)
	}
	fmt.Fprintf(&b, "export TMT_GUEST_COUNT=%d\n", len(t.Guests))
	fmt.Fprintf(&b, "export TMT_GUESTS=%q\n", strings.Join(names, " "))

	for _, g := range t.Guests {
		key := envName(g.Name)
		fmt.Fprintf(&b, "export TMT_GUEST_%s_HOSTNAME=%q\n", key, g.Hostname)
		fmt.Fprintf(&b, "export TMT_GUEST_%s_ROLE=%q\n", key, g.Role)
	}

	roles := t.Roles()
	roleNames := make([]string, 0, len(roles))
	for role := range roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		fmt.Fprintf(&b, "export TMT_ROLE_%s=%q\n", envName(role), strings.Join(roles[role], " "))
	}

	return fileutil.WriteFileAtomic(path, []byte(b.String()), 0644)
}

// WriteYAML renders the YAML topology file to path.
func (t Topology) WriteYAML(path string) error {
	guests := map[string]Facts{}
	for _, g := range t.Guests {
		guests[g.Name] = g
	}
	return fileutil.WriteYAML(path, map[string]any{
		"guests": guests,
		"roles":  t.Roles(),
	})
}

// envName converts a guest or role name to an environment variable
// fragment: uppercase with non-alphanumerics replaced by underscores.
func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
