package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumsFile is the manifest name looked up next to each config file.
const ChecksumsFile = ".checksums"

// HashFileResult is the computed hash of one config file.
type HashFileResult struct {
	Path string
	Hash string
}

// HashReport lists the manifests GenerateChecksums wrote or would write.
type HashReport struct {
	Manifests []string
	Files     []HashFileResult
	Written   bool
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// GenerateChecksums hashes files and writes one .checksums manifest per
// directory. With dryRun nothing is written.
func GenerateChecksums(files []string, dryRun bool) (*HashReport, error) {
	byDir := make(map[string]map[string]string)
	report := &HashReport{}
	for _, path := range files {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		dir := filepath.Dir(path)
		if byDir[dir] == nil {
			byDir[dir] = make(map[string]string)
		}
		byDir[dir][filepath.Base(path)] = hash
		report.Files = append(report.Files, HashFileResult{Path: path, Hash: hash})
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	now := time.Now().UTC().Format(time.RFC3339)
	for _, dir := range dirs {
		manifestPath := filepath.Join(dir, ChecksumsFile)
		report.Manifests = append(report.Manifests, manifestPath)
		if dryRun {
			continue
		}
		data, err := yaml.Marshal(ChecksumManifest{Version: 1, GeneratedAt: now, Hashes: byDir[dir]})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = !dryRun
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory. A missing
// manifest yields an error matching os.ErrNotExist.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}
