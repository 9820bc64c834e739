// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package auth

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a Unix socket connection. The
// kernel records the credentials at connect time; the caller cannot
// forge them.
func peerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("connection is not a Unix socket")
	}
	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("accessing socket: %w", err)
	}

	var (
		ucred   *unix.Ucred
		credErr error
	)
	controlErr := rawConn.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return nil, fmt.Errorf("accessing socket file descriptor: %w", controlErr)
	}
	if credErr != nil {
		return nil, fmt.Errorf("reading SO_PEERCRED: %w", credErr)
	}
	// PID 0 means the peer is not a process in our namespace.
	if ucred == nil || ucred.Pid <= 0 {
		return nil, errors.New("kernel reported no peer process")
	}
	return &PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
