package scaffold

import (
	"context"
	"embed"
	"io/fs"
	"path"
	"strings"

	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/workspace"
)

//go:embed templates
var templates embed.FS

const CompositionPackageName = "@app/composition"

type InitOptions struct {
	Project        manifest.Project
	Namespace      string
	CompositionDir string
	UserDir        string
	// Force rewrites composition files that differ from the templates.
	Force bool
}

// Init writes the composition package with every marker region, its
// package.json, a root package.json when absent and the user entry point
// when absent. Files in the user zone are never overwritten.
func (s *Scaffolder) Init(ctx context.Context, opts InitOptions) ([]FileResult, error) {
	data := Data{
		Project:            opts.Project,
		Namespace:          opts.Namespace,
		CompositionPackage: CompositionPackageName,
	}
	owns := func(string) bool { return opts.Force }

	var out []FileResult
	entries, err := fs.ReadDir(templates, "templates/composition")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name := entry.Name()
		text, err := templates.ReadFile("templates/composition/" + name)
		if err != nil {
			return out, err
		}
		content, err := Render(name, string(text), data)
		if err != nil {
			return out, err
		}
		rel := path.Join(opts.CompositionDir, "src", strings.TrimSuffix(name, ".tmpl"))
		res, err := s.put(rel, "init", content, owns)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}

	pkgJSON, err := workspace.NewPackageJSON(workspace.Manifest{
		Name:    CompositionPackageName,
		Version: "1.0.0",
		Main:    "src/index.ts",
		Dependencies: map[string]string{
			"react":        "18.2.0",
			"react-native": "0.74.5",
		},
	}, s.protocol)
	if err != nil {
		return out, err
	}
	res, err := s.put(path.Join(opts.CompositionDir, "package.json"), "init", pkgJSON, owns)
	if err != nil {
		return out, err
	}
	out = append(out, res)

	if !s.fs.Exists(workspace.RootPackageJSON) {
		deps := map[string]string{"react": "18.2.0", "react-native": "0.74.5"}
		if opts.Project.Target == "expo" {
			deps["expo"] = "~51.0.0"
		}
		root, err := workspace.NewPackageJSON(workspace.Manifest{
			Name:         opts.Project.Name,
			Version:      "1.0.0",
			Main:         path.Join(opts.UserDir, "App.tsx"),
			Dependencies: deps,
		}, s.protocol)
		if err != nil {
			return out, err
		}
		if err := s.fs.WriteFile(workspace.RootPackageJSON, root); err != nil {
			return out, err
		}
		out = append(out, FileResult{Path: workspace.RootPackageJSON, Status: Created})
	}

	app := path.Join(opts.UserDir, "App.tsx")
	if !s.fs.Exists(app) {
		text, err := templates.ReadFile("templates/project/App.tsx.tmpl")
		if err != nil {
			return out, err
		}
		content, err := Render("App.tsx", string(text), data)
		if err != nil {
			return out, err
		}
		if err := s.fs.WriteFile(app, content); err != nil {
			return out, err
		}
		out = append(out, FileResult{Path: app, Status: Created})
	}
	return out, nil
}
