package provisioner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

type TemplateFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// InspectTemplates hashes every file in TemplateFiles under dir. A missing
// file is an error: a workspace built from it would fail at init.
func InspectTemplates(dir string) ([]TemplateFile, error) {
	out := make([]TemplateFile, 0, len(TemplateFiles))
	for _, name := range TemplateFiles {
		p := filepath.Join(dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		sum := sha256.Sum256(b)
		out = append(out, TemplateFile{
			Name:   name,
			Path:   p,
			Size:   int64(len(b)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}
