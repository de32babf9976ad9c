//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package main

import "errors"

func dropPrivileges(uid, gid int) error {
	if uid == 0 || gid == 0 {
		return nil
	}
	return errors.New("mailroomd: privilege dropping is not supported on this platform")
}
