// Package zone decides which project paths the engine may mutate.
//
// The managed zone is engine-owned and the only valid target for marker
// wiring. Paths recorded in the manifest ownership ledger may additionally
// receive anchor patches. The user zone is never a mutation target.
package zone

import (
	"fmt"
	"strings"

	"github.com/sprout-dev/sprout/internal/fileutil"
)

// Error explains why a path was refused.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("path %s is outside the managed zone: %s", e.Path, e.Reason)
}

type Policy struct {
	ManagedDir string
	UserDir    string
	owned      *Matcher
}

func NewPolicy(managedDir, userDir string, owned []string) *Policy {
	return &Policy{
		ManagedDir: strings.Trim(normalizePath(managedDir), "/"),
		UserDir:    strings.Trim(normalizePath(userDir), "/"),
		owned:      NewMatcher(owned),
	}
}

func (p *Policy) InManaged(rel string) bool {
	return within(p.ManagedDir, normalizePath(rel))
}

func (p *Policy) InUser(rel string) bool {
	return within(p.UserDir, normalizePath(rel))
}

func (p *Policy) Owned(rel string) bool {
	return p.owned.Matches(rel, false)
}

// CheckWiring admits only files inside the managed zone.
func (p *Policy) CheckWiring(rel string) (string, error) {
	cleaned, err := p.clean(rel)
	if err != nil {
		return "", err
	}
	if !p.InManaged(cleaned) {
		return "", &Error{Path: cleaned, Reason: "wiring targets must live under " + p.ManagedDir + "/"}
	}
	return cleaned, nil
}

// CheckPatch admits managed files and files listed in the ownership ledger.
func (p *Policy) CheckPatch(rel string) (string, error) {
	cleaned, err := p.clean(rel)
	if err != nil {
		return "", err
	}
	if p.InManaged(cleaned) || p.Owned(cleaned) {
		return cleaned, nil
	}
	return "", &Error{Path: cleaned, Reason: "not in " + p.ManagedDir + "/ and not listed in the manifest ownership ledger"}
}

func (p *Policy) clean(rel string) (string, error) {
	cleaned, err := fileutil.CleanRel(rel)
	if err != nil {
		return "", &Error{Path: rel, Reason: err.Error()}
	}
	if p.InUser(cleaned) {
		return "", &Error{Path: cleaned, Reason: p.UserDir + "/ is reserved for user-owned application code"}
	}
	return cleaned, nil
}

func within(dir, rel string) bool {
	if dir == "" {
		return false
	}
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}
