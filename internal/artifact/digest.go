// Package artifact hashes task outputs and reads and writes the JSON
// artifacts produced by recording tasks.
package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// Domain keys for BLAKE3 keyed hashing, the ASCII domain name zero-padded to
// 32 bytes. Changing them changes every digest.
var (
	fileDomainKey = [32]byte{
		'l', 'o', 'a', 'd', 'l', 'a', 'b', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't',
		'.', 'f', 'i', 'l', 'e',
	}
	treeDomainKey = [32]byte{
		'l', 'o', 'a', 'd', 'l', 'a', 'b', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't',
		'.', 't', 'r', 'e', 'e',
	}
)

// Digest returns the hex BLAKE3 digest of the artifact at path. A regular
// file hashes its content. A directory hashes the relative path and digest
// of every regular file below it, in lexical order, so the result does not
// depend on walk order or timestamps.
func Digest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if !info.IsDir() {
		sum, err := fileDigest(path)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sum), nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk artifact: %w", err)
	}
	sort.Strings(files)

	tree := newKeyed(treeDomainKey)
	for _, rel := range files {
		sum, err := fileDigest(filepath.Join(path, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		tree.Write([]byte(rel))
		tree.Write([]byte{0})
		tree.Write(sum)
	}
	return hex.EncodeToString(tree.Sum(nil)), nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	hasher := newKeyed(fileDomainKey)
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return hasher.Sum(nil), nil
}

func newKeyed(key [32]byte) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("artifact: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
