package targets

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
)

// FileProvider loads targets from a .json, .yaml/.yml or .csv file.
//
// JSON and YAML accept either a list of targets or {"targets": [...]}.
// CSV needs a header row; recognised columns are id, name, address and
// message (phone and chat_id are accepted for address).
type FileProvider struct {
	// BaseDir resolves relative paths.
	BaseDir string
}

var _ broadcast.TargetProvider = FileProvider{}

func (p FileProvider) LoadTargets(ctx context.Context, jc broadcast.JobContext) ([]broadcast.Target, error) {
	path := strings.TrimSpace(jc.Source)
	if path == "" {
		return nil, errors.New("file source: path is empty")
	}
	if !filepath.IsAbs(path) && p.BaseDir != "" {
		path = filepath.Join(p.BaseDir, path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(path, b)
}

// ParseFile decodes b according to the extension of name and normalizes the
// result.
func ParseFile(name string, b []byte) ([]broadcast.Target, error) {
	var (
		out []broadcast.Target
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".json":
		out, err = decodeJSON(b)
	case ".yaml", ".yml":
		out, err = decodeYAML(b)
	case ".csv":
		out, err = decodeCSV(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("unsupported target file type %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return Normalize(out)
}

type fileDoc struct {
	Targets []broadcast.Target `json:"targets" yaml:"targets"`
}

func decodeJSON(b []byte) ([]broadcast.Target, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var out []broadcast.Target
		return out, json.Unmarshal(b, &out)
	}
	var doc fileDoc
	return doc.Targets, json.Unmarshal(b, &doc)
}

func decodeYAML(b []byte) ([]broadcast.Target, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		var out []broadcast.Target
		return out, node.Decode(&out)
	}
	var doc fileDoc
	return doc.Targets, node.Decode(&doc)
}

func decodeCSV(r io.Reader) ([]broadcast.Target, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	col := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch h {
		case "phone", "chat_id", "chat":
			h = "address"
		}
		if _, dup := col[h]; !dup {
			col[h] = i
		}
	}
	if _, ok := col["address"]; !ok {
		return nil, errors.New("csv: missing address column")
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var out []broadcast.Target
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, broadcast.Target{
			ID:      get(rec, "id"),
			Name:    get(rec, "name"),
			Address: get(rec, "address"),
			Message: get(rec, "message"),
		})
	}
}

// Normalize trims fields, assigns positional IDs to targets without one and
// rejects targets without an address. Order is preserved.
func Normalize(in []broadcast.Target) ([]broadcast.Target, error) {
	out := make([]broadcast.Target, 0, len(in))
	for i, t := range in {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Address = strings.TrimSpace(t.Address)
		if t.Address == "" {
			return nil, fmt.Errorf("target #%d (%s): address is empty", i+1, t.Name)
		}
		if t.ID == "" {
			t.ID = strconv.Itoa(i + 1)
		}
		out = append(out, t)
	}
	return out, nil
}
