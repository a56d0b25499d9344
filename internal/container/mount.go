package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Mount is one bind mount offered to an agent container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Allowlist is the set of host path roots an agent container is permitted
// to mount, read from ~/.config/andy/mount-allowlist.json. A container
// configuration referencing anything outside this list, or matching one of
// BlockedPatterns, is rejected before the process is ever spawned.
type Allowlist struct {
	AllowedRoots    []string `json:"allowedRoots"`
	BlockedPatterns []string `json:"blockedPatterns"`
	NonMainReadOnly bool     `json:"nonMainReadOnly"`

	blocked []*regexp.Regexp
}

// LoadAllowlist reads the allowlist file; a missing file is treated as an
// empty (deny-all) allowlist rather than an error, so a fresh install
// fails closed.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Allowlist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("container: read allowlist %s: %w", path, err)
	}
	var al Allowlist
	if err := json.Unmarshal(data, &al); err != nil {
		return nil, fmt.Errorf("container: parse allowlist %s: %w", path, err)
	}
	for _, pat := range al.BlockedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("container: compile blocked pattern %q: %w", pat, err)
		}
		al.blocked = append(al.blocked, re)
	}
	return &al, nil
}

// Validate rejects any mount whose HostPath is not contained in one of the
// allowlisted roots, or matches a blocked pattern. groupFolder is the
// registered group the mounts are being built for; every mount except the
// one for the "main" folder is forced read-only when NonMainReadOnly is
// set, regardless of what the caller requested. It returns the
// (possibly-adjusted) mount set so the read-only rewrite is visible to the
// caller.
func (al *Allowlist) Validate(mounts []Mount, groupFolder string) ([]Mount, error) {
	out := make([]Mount, len(mounts))
	for i, m := range mounts {
		abs, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("container: resolve mount path %s: %w", m.HostPath, err)
		}
		if !al.allows(abs) {
			return nil, fmt.Errorf("container: mount %s is not under any allowlisted root", abs)
		}
		if al.isBlocked(abs) {
			return nil, fmt.Errorf("container: mount %s matches a blocked pattern", abs)
		}
		if al.NonMainReadOnly && groupFolder != "main" {
			m.ReadOnly = true
		}
		out[i] = m
	}
	return out, nil
}

func (al *Allowlist) allows(absPath string) bool {
	for _, root := range al.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (al *Allowlist) isBlocked(absPath string) bool {
	for _, re := range al.blocked {
		if re.MatchString(absPath) {
			return true
		}
	}
	return false
}
