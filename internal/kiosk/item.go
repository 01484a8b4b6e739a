// Package kiosk manages the locked home screen: which apps may run under
// lock task mode and how they are arranged into a grid of apps and folders.
package kiosk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Item is a slot in the kiosk grid: *App or *Folder.
type Item interface {
	ItemID() string
	clone() Item
}

// App 单个应用
type App struct {
	PackageName string
	Label       string
	// Icon is resolved from the package manager at load time and never
	// persisted.
	Icon []byte
}

func (a *App) ItemID() string { return a.PackageName }

func (a *App) clone() Item {
	c := *a
	return &c
}

// Folder 应用文件夹
type Folder struct {
	ID   string
	Name string
	Apps []*App
}

func (f *Folder) ItemID() string { return f.ID }

func (f *Folder) clone() Item {
	c := &Folder{ID: f.ID, Name: f.Name, Apps: make([]*App, len(f.Apps))}
	for i, a := range f.Apps {
		c.Apps[i] = a.clone().(*App)
	}
	return c
}

const (
	typeApp    = "app"
	typeFolder = "folder"
)

var errBadLayout = errors.New("malformed kiosk layout")

type appJSON struct {
	Package string `json:"package"`
	Label   string `json:"label,omitempty"`
}

type itemJSON struct {
	Type    string    `json:"type"`
	Package string    `json:"package,omitempty"`
	Label   string    `json:"label,omitempty"`
	ID      string    `json:"id,omitempty"`
	Name    string    `json:"name,omitempty"`
	Apps    []appJSON `json:"apps,omitempty"`
}

// Marshal encodes items as a JSON array of tagged objects. Icons are left out.
func Marshal(items []Item) ([]byte, error) {
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case *App:
			out = append(out, itemJSON{Type: typeApp, Package: v.PackageName, Label: v.Label})
		case *Folder:
			apps := make([]appJSON, len(v.Apps))
			for i, a := range v.Apps {
				apps[i] = appJSON{Package: a.PackageName, Label: a.Label}
			}
			out = append(out, itemJSON{Type: typeFolder, ID: v.ID, Name: v.Name, Apps: apps})
		default:
			return nil, fmt.Errorf("kiosk: cannot encode %T", it)
		}
	}
	return json.Marshal(out)
}

// Unmarshal decodes the output of Marshal. Unknown item types, apps
// without a package and folders without an id are rejected.
func Unmarshal(data []byte) ([]Item, error) {
	var raw []itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadLayout, err)
	}

	items := make([]Item, 0, len(raw))
	for i, r := range raw {
		switch r.Type {
		case typeApp:
			if r.Package == "" {
				return nil, fmt.Errorf("%w: item %d: app without package", errBadLayout, i)
			}
			items = append(items, &App{PackageName: r.Package, Label: r.Label})
		case typeFolder:
			if r.ID == "" {
				return nil, fmt.Errorf("%w: item %d: folder without id", errBadLayout, i)
			}
			f := &Folder{ID: r.ID, Name: r.Name, Apps: make([]*App, 0, len(r.Apps))}
			for j, a := range r.Apps {
				if a.Package == "" {
					return nil, fmt.Errorf("%w: item %d app %d: missing package", errBadLayout, i, j)
				}
				f.Apps = append(f.Apps, &App{PackageName: a.Package, Label: a.Label})
			}
			items = append(items, f)
		default:
			return nil, fmt.Errorf("%w: item %d: unknown type %q", errBadLayout, i, r.Type)
		}
	}
	return items, nil
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.clone()
	}
	return out
}

// packages lists every app package in items, folder contents included.
func packages(items []Item) []string {
	var out []string
	for _, it := range items {
		switch v := it.(type) {
		case *App:
			out = append(out, v.PackageName)
		case *Folder:
			for _, a := range v.Apps {
				out = append(out, a.PackageName)
			}
		}
	}
	return out
}
