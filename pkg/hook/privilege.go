package hook

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// PrivilegeChecker reports whether privileged interception is possible.
type PrivilegeChecker interface {
	HasRoot() bool
}

// Privilege overrides accepted by RootCheck.
const (
	PrivilegeAuto = "auto"
	PrivilegeRoot = "root"
	PrivilegeUser = "user"
)

var DefaultSuDirs = []string{"/system/xbin", "/system/bin", "/sbin", "/su/bin"}

// RootCheck treats the process as privileged when it runs with effective UID 0 or
// an executable su binary is present.
type RootCheck struct {
	Override string
	SuDirs   []string

	geteuid func() int
	access  func(path string) bool
}

func NewRootCheck(override string) *RootCheck {
	return &RootCheck{
		Override: strings.ToLower(strings.TrimSpace(override)),
		SuDirs:   DefaultSuDirs,
		geteuid:  unix.Geteuid,
		access: func(path string) bool {
			return unix.Access(path, unix.X_OK) == nil
		},
	}
}

func (c *RootCheck) HasRoot() bool {
	switch c.Override {
	case PrivilegeRoot:
		return true
	case PrivilegeUser:
		return false
	}

	if c.geteuid() == 0 {
		return true
	}
	for _, dir := range c.SuDirs {
		if c.access(filepath.Join(dir, "su")) {
			return true
		}
	}
	return false
}

// StaticPrivilege is a fixed answer, mostly for tests and embedding.
type StaticPrivilege bool

func (p StaticPrivilege) HasRoot() bool { return bool(p) }
