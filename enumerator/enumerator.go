// Package enumerator discovers the set of managed drives by reading
// the system's mount table: parse /proc/mounts, skip pseudo
// filesystems, statfs each real mount for capacity, and additionally
// classify rotational vs solid-state via the /sys/block rotational
// flag so a freshly discovered drive gets a sensible default
// model.DriveType without user configuration.
package enumerator

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"drive-revenant/model"
)

var pseudoFS = map[string]bool{
	"sysfs": true, "proc": true, "devtmpfs": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "debugfs": true, "tracefs": true,
	"securityfs": true, "hugetlbfs": true, "mqueue": true, "fusectl": true,
	"configfs": true, "pstore": true, "bpf": true, "ramfs": true,
	"rpc_pipefs": true, "nsfs": true, "autofs": true, "efivarfs": true,
	"squashfs": true, "iso9660": true, "devpts": true, "overlay": true,
}

// MountEnumerator implements model.DriveEnumerator by reading the
// live mount table.
type MountEnumerator struct {
	MountsPath string // override for tests; defaults to /proc/mounts
	SysBlock   string // override for tests; defaults to /sys/block
}

// New constructs a MountEnumerator reading the real system paths.
func New() *MountEnumerator {
	return &MountEnumerator{MountsPath: "/proc/mounts", SysBlock: "/sys/block"}
}

// List returns one DriveInfo per real, device-backed mount.
func (e *MountEnumerator) List() ([]model.DriveInfo, error) {
	f, err := os.Open(e.MountsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var infos []model.DriveInfo

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		dev, mountPoint, fsType := fields[0], fields[1], fields[2]
		if pseudoFS[fsType] || !strings.HasPrefix(dev, "/") || seen[dev] {
			continue
		}
		seen[dev] = true

		var stat syscall.Statfs_t
		if err := syscall.Statfs(mountPoint, &stat); err != nil {
			continue
		}

		block := baseBlockDevice(dev)
		infos = append(infos, model.DriveInfo{
			Letter:    driveLetterFor(mountPoint),
			Type:      e.classify(block),
			SizeBytes: int64(stat.Blocks) * int64(stat.Bsize),
			Removable: e.isRemovable(block),
			VolumeID:  dev,
		})
	}
	return infos, scanner.Err()
}

// driveLetterFor maps a mount point to the letter-keyed identity
// model.Drive uses — the root mount is "C", everything else is keyed
// by its last path segment upper-cased.
func driveLetterFor(mountPoint string) string {
	if mountPoint == "/" {
		return "C"
	}
	base := filepath.Base(mountPoint)
	return model.NormalizeLetter(base)
}

// classify derives SSD/HDD from the backing block device's rotational
// flag in sysfs, defaulting to SSD when the flag is unreadable — the
// same "treat_unknown_as_ssd" default the policy layer uses, applied
// here at discovery time too.
func (e *MountEnumerator) classify(block string) model.DriveType {
	if block == "" {
		return model.SSD
	}
	if v, err := e.sysBlockFlag(block, "queue/rotational"); err == nil && v == 1 {
		return model.HDD
	}
	return model.SSD
}

// isRemovable reads the block device's sysfs "removable" flag.
func (e *MountEnumerator) isRemovable(block string) bool {
	v, err := e.sysBlockFlag(block, "removable")
	return err == nil && v == 1
}

func (e *MountEnumerator) sysBlockFlag(block, rel string) (int, error) {
	data, err := os.ReadFile(filepath.Join(e.SysBlock, block, rel))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// baseBlockDevice strips partition suffixes from a device path,
// mapping a partition device back to its parent disk name.
func baseBlockDevice(dev string) string {
	name := strings.TrimPrefix(dev, "/dev/")
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "nvme") {
		if idx := strings.Index(name, "p"); idx > 0 {
			return name[:idx]
		}
		return name
	}
	for _, prefix := range []string{"sd", "vd", "xvd", "hd"} {
		if strings.HasPrefix(name, prefix) {
			i := len(prefix)
			for i < len(name) && name[i] >= 'a' && name[i] <= 'z' {
				i++
			}
			return name[:i]
		}
	}
	return name
}
