package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileTypeCodes(t *testing.T) {
	assert.Equal(t, "F", File.Code())
	assert.Equal(t, "D", Directory.Code())

	assert.Equal(t, File, FileTypeFromCode("F"))
	assert.Equal(t, Directory, FileTypeFromCode("D"))
	assert.Equal(t, File, FileTypeFromCode(""), "unknown codes read as files")

	assert.Equal(t, "file", File.String())
	assert.Equal(t, "directory", Directory.String())
}
