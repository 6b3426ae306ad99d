package appbundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Success},
		{"invalid parameter", fmt.Errorf("buf: %w", ErrInvalidParameter), CodeInvalidParameter},
		{"string conversion", &fs.PathError{Op: "open", Path: "x", Err: ErrStringConversion}, CodeStringConversion},
		{"invalid format", fmt.Errorf("locate: %w", ErrInvalidFormat), CodeInvalidFormat},
		{"bad header", fmt.Errorf("locate: %w", ErrBadHeader), CodeBinaryHeader},
		{"corrupt", fmt.Errorf("inode: %w", ErrCorrupt), CodeArchive},
		{"link loop", &fs.PathError{Op: "open", Path: "a", Err: ErrLinkLoop}, CodeArchive},
		{"link chain", &fs.PathError{Op: "open", Path: "a", Err: ErrLinkChain}, CodeArchive},
		{"not supported", fmt.Errorf("codec: %w", ErrNotSupported), CodeNotSupported},
		{"not found", fs.ErrNotExist, CodeNotFound},
		{"outside root", ErrOutsideRoot, CodeNotFound},
		{"dangling", ErrDanglingLink, CodeNotFound},
		{"not dir", ErrNotDir, CodeNotFound},
		{"is dir", ErrIsDir, CodeInvalidParameter},
		{"permission", &fs.PathError{Op: "open", Path: "/root", Err: fs.ErrPermission}, CodePermissionDenied},
		{"extract", &ExtractError{Op: "write", Path: "a", Dest: "/tmp/a", Err: io.ErrShortWrite}, CodeFileSystem},
		{"extract missing dir", &ExtractError{Op: "create", Path: "a", Dest: "/x/a", Err: fs.ErrNotExist}, CodeFileSystem},
		{"operation failed", fmt.Errorf("%w: write icon: %w", ErrOperationFailed, fs.ErrPermission), CodeOperationFailed},
		{"unknown", errors.New("boom"), CodeIO},
		{"io", io.ErrUnexpectedEOF, CodeIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), tt.name)
	}
}

func TestCodeValues(t *testing.T) {
	t.Parallel()
	codes := []Code{
		Success, CodeIO, CodeInvalidFormat, CodeBinaryHeader, CodeFileSystem, CodeArchive,
		CodeNotSupported, CodeInvalidParameter, CodeNotFound, CodePermissionDenied,
		CodeOperationFailed, CodeStringConversion,
	}
	for i, c := range codes {
		assert.Equal(t, Code(i), c)
		assert.NotContains(t, c.String(), "code(")
	}
	assert.Equal(t, "code(42)", Code(42).String())
}

func TestExtractError(t *testing.T) {
	t.Parallel()
	err := &ExtractError{Op: "rename", Path: "usr/bin/demo", Dest: "/tmp/demo", Err: fs.ErrExist}
	assert.Equal(t, "extract usr/bin/demo: rename /tmp/demo: file already exists", err.Error())
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, int(FormatUnknown))
	assert.Equal(t, 1, int(FormatLegacy))
	assert.Equal(t, 2, int(FormatModern))
	assert.Equal(t, "unknown", FormatUnknown.String())
	assert.Equal(t, "modern (squashfs)", FormatModern.String())
}
