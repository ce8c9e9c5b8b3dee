package scaffold_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devpad/devpad/internal/scaffold"
)

func writeTemplate(t *testing.T, root, name string, files map[string]string) {
	t.Helper()

	dir := filepath.Join(root, name)

	for rel, content := range files {
		path := filepath.Join(dir, rel)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	writeTemplate(t, root, "go-web", map[string]string{"main.go": "package main\n"})
	writeTemplate(t, root, "static-site", map[string]string{"index.html": "<html></html>\n"})

	// Stray files at the root are not templates.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	engine := scaffold.NewDirEngine(root)

	names, err := engine.Templates()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if len(names) != 2 {
		t.Fatalf("expected two templates: got '%v'", names)
	}

	want := map[string]bool{"go-web": true, "static-site": true}
	for _, name := range names {
		if !want[name] {
			t.Errorf("unexpected template name '%s'", name)
		}
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	t.Run("Test variables are substituted and paths preserved", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		writeTemplate(t, root, "go-web", map[string]string{
			"template.yaml": "description: minimal web server\n" +
				"required: [name, port]\n" +
				"entrypoint: [\"go\", \"run\", \".\"]\n",
			"go.mod":         "module {{.name}}\n\ngo 1.25\n",
			"main.go":        "package main\n\nconst defaultPort = {{.port}}\n",
			"docs/README.md": "# {{.name}}\n",
		})

		engine := scaffold.NewDirEngine(root)
		target := filepath.Join(t.TempDir(), "my_app")

		project, err := engine.Render(
			context.Background(),
			"go-web",
			target,
			scaffold.Vars{"name": "my_app", "port": "8080"},
		)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if project.Dir != target {
			t.Errorf("expected project dir: got '%s', want '%s'", project.Dir, target)
		}

		if project.Command != "go" || len(project.Args) != 2 {
			t.Errorf(
				"expected entrypoint from manifest: got '%s %v'",
				project.Command,
				project.Args,
			)
		}

		gomod, err := os.ReadFile(filepath.Join(target, "go.mod"))
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if !strings.Contains(string(gomod), "module my_app") {
			t.Errorf("expected substituted module name: got '%s'", gomod)
		}

		readme, err := os.ReadFile(filepath.Join(target, "docs", "README.md"))
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if string(readme) != "# my_app\n" {
			t.Errorf("expected rendered readme: got '%s'", readme)
		}

		// The manifest itself is never copied into the project.
		if _, err := os.Stat(filepath.Join(target, "template.yaml")); !os.IsNotExist(err) {
			t.Error("expected manifest to be excluded from the rendered tree")
		}
	})

	t.Run("Test missing required variable fails before writing", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		writeTemplate(t, root, "go-web", map[string]string{
			"template.yaml": "required: [name]\n",
			"main.go":       "package {{.name}}\n",
		})

		engine := scaffold.NewDirEngine(root)
		target := filepath.Join(t.TempDir(), "my_app")

		_, err := engine.Render(context.Background(), "go-web", target, scaffold.Vars{})
		if err == nil {
			t.Fatal("expected to receive error")
		}

		if !strings.Contains(err.Error(), "requires variable") {
			t.Errorf("expected a required-variable error: got '%v'", err)
		}

		if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
			t.Error("expected nothing to be written for a rejected render")
		}
	})

	t.Run("Test unknown template", func(t *testing.T) {
		t.Parallel()

		engine := scaffold.NewDirEngine(t.TempDir())

		_, err := engine.Render(
			context.Background(),
			"nope",
			filepath.Join(t.TempDir(), "out"),
			scaffold.Vars{},
		)
		if err == nil {
			t.Fatal("expected to receive error")
		}

		if !strings.Contains(err.Error(), "unknown template") {
			t.Errorf("expected an unknown-template error: got '%v'", err)
		}
	})

	t.Run("Test template without manifest renders verbatim", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		writeTemplate(t, root, "plain", map[string]string{
			"run.sh": "#!/bin/sh\necho hello\n",
		})

		engine := scaffold.NewDirEngine(root)
		target := filepath.Join(t.TempDir(), "out")

		project, err := engine.Render(context.Background(), "plain", target, scaffold.Vars{})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if project.Command != "" {
			t.Errorf("expected no entrypoint without a manifest: got '%s'", project.Command)
		}

		content, err := os.ReadFile(filepath.Join(target, "run.sh"))
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if string(content) != "#!/bin/sh\necho hello\n" {
			t.Errorf("expected verbatim copy: got '%s'", content)
		}
	})

	t.Run("Test cancelled context aborts the render", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		writeTemplate(t, root, "plain", map[string]string{
			"a.txt": "a\n",
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		engine := scaffold.NewDirEngine(root)

		_, err := engine.Render(ctx, "plain", filepath.Join(t.TempDir(), "out"), scaffold.Vars{})
		if err == nil {
			t.Fatal("expected to receive error")
		}
	})
}
