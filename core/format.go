package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and file naming used across the state store.

// --- Magic Numbers ---
const (
	// DeltaMagicNumber identifies a delta file.
	DeltaMagicNumber uint32 = 0x4C44534E // "NSDL"
	// SnapshotMagicNumber identifies a snapshot file.
	SnapshotMagicNumber uint32 = 0x4E53534E // "NSSN"
	// MetadataMagicNumber identifies a catalog version file.
	MetadataMagicNumber uint32 = 0x444D534E // "NSMD"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- File Names & Suffixes ---
const (
	StateDirName    = "state"
	MetadataDirName = "metadata"

	DeltaFileSuffix    = ".delta"
	SnapshotFileSuffix = ".snapshot"
	MetadataFileSuffix = ".meta"
)

// FormatBatchFileName creates a delta or snapshot file name. Batch ids are
// zero padded so lexical and numeric order agree.
func FormatBatchFileName(batch BatchID, suffix string) string {
	return fmt.Sprintf("%020d%s", int64(batch), suffix)
}

// ParseBatchFileName extracts the batch id and suffix from a delta or snapshot file name.
func ParseBatchFileName(name string) (BatchID, string, error) {
	var suffix string
	switch {
	case strings.HasSuffix(name, DeltaFileSuffix):
		suffix = DeltaFileSuffix
	case strings.HasSuffix(name, SnapshotFileSuffix):
		suffix = SnapshotFileSuffix
	default:
		return NoBatch, "", fmt.Errorf("file %s is not a delta or snapshot file", name)
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil {
		return NoBatch, "", fmt.Errorf("file %s has an invalid batch id: %w", name, err)
	}
	if id < 0 {
		return NoBatch, "", fmt.Errorf("file %s has a negative batch id", name)
	}
	return BatchID(id), suffix, nil
}

// FormatMetadataFileName creates a catalog version file name.
func FormatMetadataFileName(version uint64) string {
	return fmt.Sprintf("%020d%s", version, MetadataFileSuffix)
}

// ParseMetadataFileName extracts the version from a catalog version file name.
func ParseMetadataFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, MetadataFileSuffix) {
		return 0, fmt.Errorf("file %s is not a metadata file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, MetadataFileSuffix), 10, 64)
}
