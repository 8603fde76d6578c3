package moduledecl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/skyforge-dev/skyforge/pkg/manifest"
)

// SourceExt is the extension of module declaration files.
const SourceExt = ".star"

// ReadSources concatenates every regular *.star file directly inside dir,
// in lexical file-name order.
func ReadSources(ctx context.Context, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read declarations in %s: %w", dir, err)
	}

	var buf bytes.Buffer
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != SourceExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return "", fmt.Errorf("read declaration %s: %w", entry.Name(), err)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}

	if !utf8.Valid(buf.Bytes()) {
		return "", fmt.Errorf("declarations in %s are not valid UTF-8", dir)
	}
	return buf.String(), nil
}

// ReadFile reads a single declaration file.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read declaration %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("declaration %s is not valid UTF-8", path)
	}
	return string(data), nil
}

// Load reads the declarations in dir and evaluates them.
func (ev *Evaluator) Load(ctx context.Context, dir string) (*manifest.ModuleDescriptor, error) {
	src, err := ReadSources(ctx, dir)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(src)
}
