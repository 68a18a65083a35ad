package export

import (
	"os"
	"path/filepath"
)

const partialSuffix = ".partial"

// partialFile is an output file written under a temporary name and moved into
// place only once it is complete.
type partialFile struct {
	path string
	tmp  string
	*os.File
}

func createPartial(path string) (*partialFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ioErr("mkdir", filepath.Dir(path), err)
	}
	tmp := path + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return nil, ioErr("create", tmp, err)
	}
	return &partialFile{path: path, tmp: tmp, File: f}, nil
}

// commit renames the closed temporary file to its final name
func (p *partialFile) commit() error {
	if err := os.Rename(p.tmp, p.path); err != nil {
		os.Remove(p.tmp)
		return ioErr("rename", p.path, err)
	}
	return nil
}

// abort closes and removes the temporary file
func (p *partialFile) abort() {
	p.File.Close()
	os.Remove(p.tmp)
}
