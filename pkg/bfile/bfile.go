// Package bfile lays out and manipulates the sparse backing files that
// simulate physical storage for replicas, volume mappings and mapped
// devices, under a <root>/sds/.. and <root>/sdc/.. tree.
package bfile

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Layout resolves paths under a configured storage root.
type Layout struct {
	Root string
}

func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

func sanitizeNodeFolder(nodeID string) string {
	var b strings.Builder
	for _, r := range nodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ReplicaPath is the backing file for one replica of a volume on an SDS.
func (l *Layout) ReplicaPath(volumeID int64, sdsClusterNodeID string) string {
	folder := filepath.Join(l.Root, "sds", sanitizeNodeFolder(sdsClusterNodeID), "volumes")
	return filepath.Join(folder, fmt.Sprintf("vol_%d.img", volumeID))
}

// MappingPath is the descriptor an SDC writes on map, consumed by its
// executor to locate replica targets without round-tripping the MDM.
func (l *Layout) MappingPath(volumeID int64, sdcClusterNodeID string) string {
	folder := filepath.Join(l.Root, "sdc", sanitizeNodeFolder(sdcClusterNodeID), "mappings")
	return filepath.Join(folder, fmt.Sprintf("vol_%d.json", volumeID))
}

// DevicePath is the aliased block-device-like file an SDC exposes for a
// mapped volume.
func (l *Layout) DevicePath(volumeID int64, sdcClusterNodeID string) string {
	folder := filepath.Join(l.Root, "sdc", sanitizeNodeFolder(sdcClusterNodeID), "devices")
	return filepath.Join(folder, fmt.Sprintf("naa.%d.img", volumeID))
}

// EnsureReplicaFile creates (if absent) and truncates a replica backing
// file to sizeBytes, producing a sparse file.
func EnsureReplicaFile(path string, sizeBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("bfile: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("bfile: open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("bfile: truncate %s to %d: %w", path, sizeBytes, err)
	}
	return nil
}

// RemoveIfExists deletes a path, tolerating its absence.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bfile: remove %s: %w", path, err)
	}
	return nil
}

// WriteMappingDescriptor persists the JSON mapping descriptor an SDC
// reads to discover its replica targets and device path.
func WriteMappingDescriptor(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("bfile: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("bfile: write mapping %s: %w", path, err)
	}
	return nil
}

// CreateDeviceAlias aliases devicePath onto sourcePath, preferring a
// hardlink, falling back to a symlink, falling back to a full copy.
func CreateDeviceAlias(sourcePath, devicePath string) error {
	if err := os.MkdirAll(filepath.Dir(devicePath), 0755); err != nil {
		return fmt.Errorf("bfile: mkdir %s: %w", filepath.Dir(devicePath), err)
	}
	if err := RemoveIfExists(devicePath); err != nil {
		return err
	}

	if err := os.Link(sourcePath, devicePath); err == nil {
		return nil
	}
	if err := os.Symlink(sourcePath, devicePath); err == nil {
		return nil
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("bfile: open source %s for copy fallback: %w", sourcePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(devicePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("bfile: create device %s for copy fallback: %w", devicePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("bfile: copy fallback %s -> %s: %w", sourcePath, devicePath, err)
	}
	return nil
}

// WriteAt writes data to the existing file at path at offset; callers
// fan out across all replicas themselves when full write-policy coverage
// is required.
func WriteAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("bfile: open %s for write: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("bfile: write %s at %d: %w", path, offset, err)
	}
	return nil
}

// ReadAt reads length bytes from path at offset.
func ReadAt(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bfile: open %s for read: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("bfile: read %s at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}

// EncodeBase64 / DecodeBase64 are the wire encoding for I/O payloads
// carried inside JSON frames.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("bfile: decode base64: %w", err)
	}
	return data, nil
}
