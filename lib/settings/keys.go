// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"fmt"
	"strconv"
)

// Key names a setting.
type Key string

const (
	KeyTCPIPPort           Key = "tcpip_port"
	KeyTCPIPPortEnabled    Key = "tcpip_port_enabled"
	KeyStartOnBoot         Key = "start_on_boot"
	KeyStartOnBootWireless Key = "start_on_boot_wireless"
	KeyThemeMode           Key = "theme_mode"
	KeyLaunchMethod        Key = "mode"
)

// Keys lists every known key in display order.
var Keys = []Key{
	KeyTCPIPPort,
	KeyTCPIPPortEnabled,
	KeyStartOnBoot,
	KeyStartOnBootWireless,
	KeyThemeMode,
	KeyLaunchMethod,
}

// ThemeMode is the manager UI theme preference.
type ThemeMode string

const (
	ThemeFollowSystem ThemeMode = "follow_system"
	ThemeLight        ThemeMode = "light"
	ThemeDark         ThemeMode = "dark"
)

func (m ThemeMode) valid() bool {
	return m == ThemeFollowSystem || m == ThemeLight || m == ThemeDark
}

// LaunchMethod records how the broker was last started.
type LaunchMethod int

const (
	LaunchUnknown LaunchMethod = -1
	// LaunchPrivilegedLocal is a start by a local superuser.
	LaunchPrivilegedLocal LaunchMethod = 0
	// LaunchRemoteAdmin is a start through a remote debugging bridge.
	LaunchRemoteAdmin LaunchMethod = 1
)

func (m LaunchMethod) String() string {
	switch m {
	case LaunchPrivilegedLocal:
		return "root"
	case LaunchRemoteAdmin:
		return "adb"
	default:
		return "unknown"
	}
}

// ParseLaunchMethod accepts the names printed by String and the
// stored integer form.
func ParseLaunchMethod(s string) (LaunchMethod, error) {
	switch s {
	case "root", "0":
		return LaunchPrivilegedLocal, nil
	case "adb", "1":
		return LaunchRemoteAdmin, nil
	case "unknown", "-1":
		return LaunchUnknown, nil
	}
	return LaunchUnknown, fmt.Errorf("settings: unknown launch method %q", s)
}

// Settings is a typed view of every key.
type Settings struct {
	TCPIPPort           int          `json:"tcpip_port"`
	TCPIPPortEnabled    bool         `json:"tcpip_port_enabled"`
	StartOnBoot         bool         `json:"start_on_boot"`
	StartOnBootWireless bool         `json:"start_on_boot_wireless"`
	ThemeMode           ThemeMode    `json:"theme_mode"`
	LaunchMethod        LaunchMethod `json:"mode"`
}

// normalize checks value against key's type and returns the stored
// text form.
func normalize(key Key, value string) (string, error) {
	switch key {
	case KeyTCPIPPort:
		port, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("settings: %s: %w", key, err)
		}
		if !ValidPort(port, true) {
			return "", fmt.Errorf("settings: %s: %d is outside 1-65535", key, port)
		}
		return strconv.Itoa(port), nil
	case KeyTCPIPPortEnabled, KeyStartOnBoot, KeyStartOnBootWireless:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("settings: %s: %w", key, err)
		}
		return strconv.FormatBool(parsed), nil
	case KeyThemeMode:
		if !ThemeMode(value).valid() {
			return "", fmt.Errorf("settings: %s: %q is not follow_system, light or dark", key, value)
		}
		return value, nil
	case KeyLaunchMethod:
		method, err := ParseLaunchMethod(value)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(method)), nil
	}
	return "", fmt.Errorf("settings: unknown key %q", key)
}
