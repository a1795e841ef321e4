//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// f_type magic numbers from statfs(2).
var remoteMagic = map[uint32]string{
	0x6969:     "nfs",
	0x517B:     "smb",
	0xFF534D42: "cifs",
	0xFE534D42: "smb2",
}

func inspectMount(dir string) (mount, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return mount{}, err
	}
	magic := uint32(st.Type)
	if name, ok := remoteMagic[magic]; ok {
		return mount{fsType: name, remote: true}, nil
	}
	return mount{fsType: fmt.Sprintf("0x%x", magic)}, nil
}
