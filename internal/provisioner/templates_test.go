package provisioner

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectTemplates(t *testing.T) {
	dir := writeTemplate(t)
	files, err := InspectTemplates(dir)
	require.NoError(t, err)
	require.Len(t, files, len(TemplateFiles))

	sum := sha256.Sum256([]byte("# main.tf\n"))
	assert.Equal(t, "main.tf", files[0].Name)
	assert.Equal(t, hex.EncodeToString(sum[:]), files[0].SHA256)
	assert.EqualValues(t, len("# main.tf\n"), files[0].Size)
	assert.Equal(t, filepath.Join(dir, "main.tf"), files[0].Path)
}

func TestInspectTemplatesMissingFile(t *testing.T) {
	dir := writeTemplate(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "bootstrap.sh")))

	_, err := InspectTemplates(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap.sh")
}

func TestInspectShippedTemplate(t *testing.T) {
	files, err := InspectTemplates(filepath.Join("..", "..", "deploy", "terraform", "openclaw"))
	require.NoError(t, err)
	for _, f := range files {
		assert.Positive(t, f.Size, f.Name)
	}
}
