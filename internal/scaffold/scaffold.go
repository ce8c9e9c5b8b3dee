// Package scaffold is the boundary to the template engine that produces
// ready-to-build project trees. The orchestrator core consumes only the
// Engine interface; DirEngine is a built-in implementation that renders a
// template directory through text/template.
package scaffold

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Vars is the validated variable set passed to a template.
type Vars map[string]string

// Project is the result of rendering: a ready-to-build directory and the
// resolved entry-point command line to hand to the process supervisor.
type Project struct {
	Dir     string
	Command string
	Args    []string
}

// Engine renders a named template into a target directory.
type Engine interface {
	Render(ctx context.Context, templateName, targetDir string, vars Vars) (Project, error)
	Templates() ([]string, error)
}

// manifestName is the per-template descriptor, read from the template root
// and never copied into the rendered project.
const manifestName = "template.yaml"

type manifest struct {
	Description string   `yaml:"description"`
	Required    []string `yaml:"required"`
	Entrypoint  []string `yaml:"entrypoint"`
}

// DirEngine renders templates stored as directories under a common root.
// Every regular file in a template is treated as a text/template; the
// rendered tree preserves relative paths and file modes.
type DirEngine struct {
	root string
}

// NewDirEngine creates a DirEngine reading templates from root.
func NewDirEngine(root string) *DirEngine {
	return &DirEngine{root: root}
}

// Templates lists the template names available under the root.
func (e *DirEngine) Templates() ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("read template root: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

// Render renders templateName into targetDir with vars and returns the
// resolved entry-point command. Missing required variables or an unknown
// template name fail before anything is written.
func (e *DirEngine) Render(
	ctx context.Context,
	templateName string,
	targetDir string,
	vars Vars,
) (Project, error) {
	templateDir := filepath.Join(e.root, templateName)

	info, err := os.Stat(templateDir)
	if err != nil || !info.IsDir() {
		return Project{}, fmt.Errorf("unknown template %q", templateName)
	}

	m, err := e.readManifest(templateDir)
	if err != nil {
		return Project{}, err
	}

	for _, name := range m.Required {
		if _, ok := vars[name]; !ok {
			return Project{}, fmt.Errorf(
				"template %q requires variable %q",
				templateName,
				name,
			)
		}
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Project{}, fmt.Errorf("create target dir: %w", err)
	}

	err = filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}

		if rel == "." || rel == manifestName {
			return nil
		}

		if d.IsDir() {
			return os.MkdirAll(filepath.Join(targetDir, rel), 0o755)
		}

		return e.renderFile(path, filepath.Join(targetDir, rel), vars)
	})
	if err != nil {
		return Project{}, fmt.Errorf("render template %q: %w", templateName, err)
	}

	project := Project{Dir: targetDir}

	if len(m.Entrypoint) > 0 {
		project.Command = m.Entrypoint[0]
		project.Args = m.Entrypoint[1:]
	}

	return project, nil
}

func (e *DirEngine) readManifest(templateDir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(templateDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return &manifest{}, nil
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return &m, nil
}

func (e *DirEngine) renderFile(src, dst string, vars Vars) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	tmpl, err := template.New(filepath.Base(src)).ParseFiles(src)
	if err != nil {
		return fmt.Errorf("parse %q: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if err := tmpl.Execute(out, vars); err != nil {
		return fmt.Errorf("render %q: %w", src, err)
	}

	return nil
}
