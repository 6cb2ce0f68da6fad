package migration

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
)

var skeleton = template.Must(template.New("migration").Parse(`-- shift:id {{.ID}}
-- description: {{.Description}}
-- author: {{.Author}}
-- date: {{.Date}}

` + upMarker + `


` + downMarker + `

`))

type skeletonData struct {
	ID          string
	Description string
	Author      string
	Date        string
}

// Generator creates new, empty SQL migration files.
type Generator struct {
	fs      vfs.FileSystem
	dir     string
	catalog *Catalog
	author  string
	timeNow func() time.Time
}

// NewGenerator returns a Generator that writes migrations to dir, numbering
// them after the definitions in catalog.
func NewGenerator(
	fs vfs.FileSystem, dir string, catalog *Catalog, author string, timeNow func() time.Time,
) *Generator {
	return &Generator{fs: fs, dir: dir, catalog: catalog, author: author, timeNow: timeNow}
}

// Create writes a new pending migration for the description, and registers it
// in the catalog. It never modifies existing migration files.
func (g *Generator) Create(description string) (*Record, error) {
	slug, err := Slugify(description)
	if err != nil {
		return nil, err
	}

	number := NextNumber(g.catalog.Numbers())
	id := FormatID(number, slug)
	path := filepath.Join(g.dir, id+FileExt)

	if _, ok := g.catalog.Lookup(id); ok {
		return nil, &DuplicateMigrationError{ID: id}
	}
	if exists, err := vfs.Exists(g.fs, path); err != nil {
		return nil, fmt.Errorf("failed checking migration file: %w", err)
	} else if exists {
		return nil, &DuplicateMigrationError{ID: id, Path: path}
	}

	var body bytes.Buffer
	err = skeleton.Execute(&body, skeletonData{
		ID:          id,
		Description: strings.Join(strings.Fields(description), " "),
		Author:      g.author,
		Date:        g.timeNow().UTC().Format(time.DateOnly),
	})
	if err != nil {
		return nil, fmt.Errorf("failed rendering migration template: %w", err)
	}

	if err = g.fs.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating migrations directory: %w", err)
	}
	if err = g.writeNew(path, body.Bytes()); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &DuplicateMigrationError{ID: id, Path: path}
		}
		return nil, fmt.Errorf("failed writing migration file: %w", err)
	}

	def, err := ParseSQL(id, body.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed parsing generated migration: %w", err)
	}
	def.FilePath = path
	g.catalog.Register(def)

	return NewRecord(def), nil
}

func (g *Generator) writeNew(path string, data []byte) (rerr error) {
	f, err := g.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err //nolint:wrapcheck // Wrapped by the caller.
	}
	defer func() {
		if err := f.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	_, err = f.Write(data)
	return err //nolint:wrapcheck // Wrapped by the caller.
}
