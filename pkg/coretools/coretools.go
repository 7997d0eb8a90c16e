// Package coretools provides a tenant-scoped file workspace toolset: reads
// run freely, writes are soft-confirmed and deletes need an explicit
// confirmation.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/concierge/pkg/tools"
)

const defaultMaxBytes = 200000

// Options configures core tool registration.
type Options struct {
	// Root holds one directory per tenant.
	Root string
}

// RegisterCoreTools registers the workspace tools with reg.
func RegisterCoreTools(reg *tools.Registry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	if strings.TrimSpace(opts.Root) == "" {
		return errors.New("workspace root is required")
	}
	ws := workspace{root: filepath.Clean(opts.Root)}

	defs := []tools.Definition{
		ws.listFilesTool(),
		ws.readFileTool(),
		ws.writeFileTool(),
		ws.editFileTool(),
		ws.deleteFileTool(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

type workspace struct {
	root string
}

// tenantRoot returns the tenant's directory, creating it on first use.
func (w workspace) tenantRoot(tenantID string) (string, error) {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, tenantID)
	if name == "" || strings.Trim(name, "_") == "" {
		return "", fmt.Errorf("tenant id %q cannot name a workspace", tenantID)
	}
	dir := filepath.Join(w.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (w workspace) resolve(tenantID string, payload map[string]interface{}) (string, string, error) {
	root, err := w.tenantRoot(tenantID)
	if err != nil {
		return "", "", err
	}
	pathValue, _ := payload["path"].(string)
	target, err := resolvePathInWorkspace(root, pathValue)
	if err != nil {
		return "", "", err
	}
	return root, target, nil
}

func (w workspace) listFilesTool() tools.Definition {
	return tools.Definition{
		Name:        "list_files",
		Description: "List the files in the workspace.",
		Tier:        tools.T1,
		Parameters: []tools.Parameter{
			{Name: "prefix", Type: "string", Description: "Only list paths starting with this prefix", Required: false},
		},
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			root, err := w.tenantRoot(tenantID)
			if err != nil {
				return nil, err
			}
			prefix, _ := payload["prefix"].(string)

			files := []string{}
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(root, path)
				if err != nil {
					return err
				}
				rel = filepath.ToSlash(rel)
				if strings.HasPrefix(rel, prefix) {
					files = append(files, rel)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			sort.Strings(files)
			return map[string]interface{}{"files": files}, nil
		},
	}
}

func (w workspace) readFileTool() tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Tier:        tools.T1,
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultMaxBytes},
		},
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			_, target, err := w.resolve(tenantID, payload)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultMaxBytes)
			if raw, ok := payload["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      payload["path"],
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func (w workspace) writeFileTool() tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace.",
		Tier:        tools.T2,
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "Full file content", Required: true},
		},
		Preview: func(payload map[string]interface{}) string {
			content, _ := payload["content"].(string)
			return fmt.Sprintf("Write %d bytes to %v", len(content), payload["path"])
		},
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			_, target, err := w.resolve(tenantID, payload)
			if err != nil {
				return nil, err
			}
			content, _ := payload["content"].(string)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":  payload["path"],
				"bytes": len(content),
			}, nil
		},
	}
}

func (w workspace) editFileTool() tools.Definition {
	return tools.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Tier:        tools.T2,
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Preview: func(payload map[string]interface{}) string {
			return fmt.Sprintf("Replace %q with %q in %v", payload["search"], payload["replace"], payload["path"])
		},
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			_, target, err := w.resolve(tenantID, payload)
			if err != nil {
				return nil, err
			}
			search, _ := payload["search"].(string)
			replace, _ := payload["replace"].(string)
			replaceAll, _ := payload["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				// A replayed edit finds its replacement already in place.
				if replace != "" && strings.Contains(content, replace) {
					return map[string]interface{}{"path": payload["path"], "occurrences": 0}, nil
				}
				return nil, fmt.Errorf("search text not found")
			}

			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				updated = strings.Replace(content, search, replace, 1)
			}
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":        payload["path"],
				"occurrences": occurrences,
			}, nil
		},
	}
}

func (w workspace) deleteFileTool() tools.Definition {
	return tools.Definition{
		Name:        "delete_file",
		Description: "Permanently delete a file from the workspace.",
		Tier:        tools.T3,
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
		},
		Preview: func(payload map[string]interface{}) string {
			return fmt.Sprintf("Permanently delete %v", payload["path"])
		},
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			root, target, err := w.resolve(tenantID, payload)
			if err != nil {
				return nil, err
			}
			if target == root {
				return nil, fmt.Errorf("refusing to delete the workspace root")
			}
			err = os.Remove(target)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			return map[string]interface{}{
				"path":    payload["path"],
				"deleted": err == nil,
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	extra := make([]byte, 1)
	if n, _ := file.Read(extra); n > 0 {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	if filepath.IsAbs(pathValue) {
		return "", fmt.Errorf("path %q must be relative", pathValue)
	}
	candidate := filepath.Clean(filepath.Join(workspaceRoot, pathValue))

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
