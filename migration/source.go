package migration

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mandelsoft/vfs/pkg/vfs"
)

const (
	// FileExt is the extension of SQL migration files.
	FileExt = ".sql"

	upMarker   = "-- shift:up"
	downMarker = "-- shift:down"
)

// LoadDir reads all SQL migration files in dir. The ID of each definition is
// the file name without extension. Files whose name isn't a canonical ID are
// still returned, so that Validate can report them. A missing directory
// contains no migrations.
func LoadDir(fs vfs.FileSystem, dir string) ([]*Definition, error) {
	entries, err := vfs.ReadDir(fs, dir)
	if err != nil {
		if vfs.IsErrNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed reading migrations directory: %w", err)
	}

	defs := make([]*Definition, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != FileExt {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		body, err := vfs.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed reading migration file %s: %w", path, err)
		}

		def, err := ParseSQL(strings.TrimSuffix(entry.Name(), FileExt), body)
		if err != nil {
			return nil, fmt.Errorf("failed parsing migration file %s: %w", path, err)
		}
		def.FilePath = path
		defs = append(defs, def)
	}

	return defs, nil
}

// LoadDir reads the SQL migration files in dir and registers them.
func (c *Catalog) LoadDir(fs vfs.FileSystem, dir string) error {
	defs, err := LoadDir(fs, dir)
	if err != nil {
		return err
	}
	c.Register(defs...)
	return nil
}

// ParseSQL parses the body of a SQL migration file. The up and down
// procedures follow the `-- shift:up` and `-- shift:down` markers
// respectively. A procedure is nil if its marker is missing.
func ParseSQL(id string, body []byte) (*Definition, error) {
	def := &Definition{ID: id, Checksum: Checksum(body)}
	if number, desc, err := ParseID(id); err == nil {
		def.Number = number
		def.Description = desc
	}

	var (
		sections = map[Direction]*strings.Builder{}
		current  *strings.Builder
		scanner  = bufio.NewScanner(bytes.NewReader(body))
		lineNum  int
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		var dir Direction
		switch strings.TrimSpace(line) {
		case upMarker:
			dir = Up
		case downMarker:
			dir = Down
		}
		if dir != "" {
			if _, ok := sections[dir]; ok {
				return nil, fmt.Errorf("line %d: duplicate %s section", lineNum, dir)
			}
			current = &strings.Builder{}
			sections[dir] = current
			continue
		}

		if current != nil {
			current.WriteString(line)
			current.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if up, ok := sections[Up]; ok {
		def.Up = sqlProcedure(up.String())
	}
	if down, ok := sections[Down]; ok {
		def.Down = sqlProcedure(down.String())
	}

	return def, nil
}

// sqlProcedure returns a procedure that executes the SQL script as a single
// statement batch. Scripts with only comments and whitespace are no-ops.
func sqlProcedure(script string) Procedure {
	if isBlankSQL(script) {
		return func(context.Context, Querier) error { return nil }
	}

	return func(ctx context.Context, q Querier) error {
		_, err := q.ExecContext(ctx, script)
		return err
	}
}

func isBlankSQL(script string) bool {
	for line := range strings.Lines(script) {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
