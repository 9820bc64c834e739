// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package auth

import (
	"errors"
	"net"
)

func peerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials are only supported on linux")
}
