//go:build linux

package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseOpenFiles 将 RLIMIT_NOFILE 的软限制提高到 want（不超过硬限制），
// 返回生效后的软限制。当前值已足够时不做修改。
func RaiseOpenFiles(want uint64) (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("getrlimit(RLIMIT_NOFILE) failed: %w", err)
	}
	if lim.Cur >= want {
		return lim.Cur, nil
	}
	target := want
	if target > lim.Max {
		target = lim.Max
	}
	lim.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("setrlimit(RLIMIT_NOFILE) failed: %w", err)
	}
	return target, nil
}
