package relay

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleExit    Role = "Exit"
	RoleGuard   Role = "Guard"
	RoleMiddle  Role = "Middle"
	RoleUnknown Role = "Unknown"
)

// ClassifyRole maps a flag set to a role. Exit takes precedence over Guard.
func ClassifyRole(flags []string) Role {
	if len(flags) == 0 {
		return RoleUnknown
	}
	var guard bool
	for _, f := range flags {
		switch f {
		case FlagExit:
			return RoleExit
		case FlagGuard:
			guard = true
		}
	}
	if guard {
		return RoleGuard
	}
	return RoleMiddle
}

// RoleFilter selects relays by raw flag tag presence, not by derived Role.
// A relay carrying both Exit and Guard matches both filters.
type RoleFilter string

const (
	RoleFilterAll   RoleFilter = "all"
	RoleFilterExit  RoleFilter = "exit"
	RoleFilterGuard RoleFilter = "guard"
)

func ParseRoleFilter(s string) (RoleFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RoleFilterAll):
		return RoleFilterAll, nil
	case string(RoleFilterExit):
		return RoleFilterExit, nil
	case string(RoleFilterGuard):
		return RoleFilterGuard, nil
	default:
		return "", fmt.Errorf("unsupported role filter %q (want all, exit or guard)", s)
	}
}

// Flag returns the tag the filter matches, or "" for all.
func (f RoleFilter) Flag() string {
	switch f {
	case RoleFilterExit:
		return FlagExit
	case RoleFilterGuard:
		return FlagGuard
	default:
		return ""
	}
}

func (f RoleFilter) Valid() bool {
	switch f {
	case RoleFilterAll, RoleFilterExit, RoleFilterGuard:
		return true
	}
	return false
}
