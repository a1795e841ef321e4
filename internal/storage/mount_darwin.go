//go:build darwin

package storage

import (
	"strings"

	"golang.org/x/sys/unix"
)

func inspectMount(dir string) (mount, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return mount{}, err
	}
	name := unix.ByteSliceToString(st.Fstypename[:])
	switch strings.ToLower(name) {
	case "nfs", "smbfs", "afpfs", "webdav":
		return mount{fsType: name, remote: true}, nil
	}
	return mount{fsType: name}, nil
}
