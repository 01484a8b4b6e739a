package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Settings keys.
const (
	LayoutKey         = "kiosk.layout"
	SelectedKey       = "kiosk.selected_apps"
	SettingsAccessKey = "kiosk.allow_settings"
	EnabledKey        = "kiosk.enabled"
)

var (
	ErrIndexOutOfRange = errors.New("kiosk: index out of range")
	ErrNotApp          = errors.New("kiosk: item is not an app")
	ErrNotFolder       = errors.New("kiosk: item is not a folder")
	ErrBlankName       = errors.New("kiosk: folder name must not be blank")
	ErrNoPendingMerge  = errors.New("kiosk: no merge awaiting a folder name")
)

// MergeResult tells the caller whether a merge finished or needs a name.
type MergeResult struct {
	// NeedsName is set when two apps were dropped on each other: the
	// caller must ask for a folder name and call CompleteMerge.
	NeedsName bool
}

type pendingMerge struct {
	fromID, toID string
}

// Layout 信息亭布局引擎
//
// The item list has a single writer (the kiosk screen); the mutex only
// keeps readers such as the status API consistent.
type Layout struct {
	mu      sync.Mutex
	items   []Item
	pending *pendingMerge

	store   settings.Store
	pm      platform.PackageManager
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewLayout creates an empty layout; call Load to populate it.
func NewLayout(store settings.Store, pm platform.PackageManager, logger *logrus.Logger, m *metrics.Collector) *Layout {
	return &Layout{store: store, pm: pm, logger: logger, metrics: m}
}

// Load restores the persisted layout, re-resolving icons and dropping apps
// that are no longer installed. Without a usable persisted layout it is
// rebuilt from the selected packages sorted by label; a corrupt value is
// cleared so it is not parsed again.
func (l *Layout) Load(ctx context.Context) error {
	selected, err := settings.GetStrings(ctx, l.store, SelectedKey)
	if err != nil {
		l.logger.WithError(err).Warn("Selected kiosk apps unreadable, treating as none")
		selected = nil
	}

	raw, ok, err := l.store.Get(ctx, LayoutKey)
	if err != nil {
		return fmt.Errorf("read kiosk layout: %w", err)
	}

	var items []Item
	if ok && raw != "" {
		items, err = Unmarshal([]byte(raw))
		if err != nil {
			l.logger.WithError(err).Warn("Corrupt kiosk layout, rebuilding from selection")
			if derr := l.store.Delete(ctx, LayoutKey); derr != nil {
				l.logger.WithError(derr).Warn("Failed to clear corrupt kiosk layout")
			}
			items = nil
			ok = false
		}
	}

	if ok && items != nil {
		items = l.hydrate(ctx, items)
		if selected != nil {
			items = l.reconcile(ctx, items, selected)
		}
	} else {
		items = l.fromSelection(ctx, selected)
	}

	l.mu.Lock()
	l.items = items
	l.pending = nil
	l.mu.Unlock()

	l.logger.WithField("items", len(items)).Debug("Kiosk layout loaded")
	return nil
}

// resolve returns the app for pkg with label and icon, or nil when it is
// not installed.
func (l *Layout) resolve(ctx context.Context, pkg, label string) *App {
	info, err := l.pm.Package(ctx, pkg)
	if err != nil {
		if !errors.Is(err, platform.ErrPackageNotFound) {
			l.logger.WithError(err).WithField("package", pkg).Warn("Failed to resolve kiosk app")
		}
		return nil
	}
	if label == "" {
		label = info.Label
	}
	if label == "" {
		label = pkg
	}
	icon, err := l.pm.Icon(ctx, pkg)
	if err != nil {
		l.logger.WithError(err).WithField("package", pkg).Debug("No icon")
	}
	return &App{PackageName: pkg, Label: label, Icon: icon}
}

func (l *Layout) hydrate(ctx context.Context, items []Item) []Item {
	out := make([]Item, 0, len(items))
	seen := make(map[string]bool)
	for _, it := range items {
		switch v := it.(type) {
		case *App:
			if seen[v.PackageName] {
				continue
			}
			if app := l.resolve(ctx, v.PackageName, v.Label); app != nil {
				seen[v.PackageName] = true
				out = append(out, app)
			}
		case *Folder:
			if seen[v.ID] {
				continue
			}
			f := &Folder{ID: v.ID, Name: v.Name}
			for _, a := range v.Apps {
				if seen[a.PackageName] {
					continue
				}
				if app := l.resolve(ctx, a.PackageName, a.Label); app != nil {
					seen[a.PackageName] = true
					f.Apps = append(f.Apps, app)
				}
			}
			if len(f.Apps) > 0 {
				seen[v.ID] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// reconcile drops apps that are no longer selected and appends newly
// selected ones.
func (l *Layout) reconcile(ctx context.Context, items []Item, selected []string) []Item {
	want := make(map[string]bool, len(selected))
	for _, p := range selected {
		want[p] = true
	}

	out := make([]Item, 0, len(items))
	present := make(map[string]bool)
	for _, it := range items {
		switch v := it.(type) {
		case *App:
			if want[v.PackageName] {
				present[v.PackageName] = true
				out = append(out, v)
			}
		case *Folder:
			kept := v.Apps[:0]
			for _, a := range v.Apps {
				if want[a.PackageName] {
					present[a.PackageName] = true
					kept = append(kept, a)
				}
			}
			v.Apps = kept
			if len(v.Apps) > 0 {
				out = append(out, v)
			}
		}
	}

	var missing []string
	for _, p := range selected {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	return append(out, l.fromSelection(ctx, missing)...)
}

func (l *Layout) fromSelection(ctx context.Context, selected []string) []Item {
	apps := make([]*App, 0, len(selected))
	seen := make(map[string]bool)
	for _, pkg := range selected {
		if seen[pkg] {
			continue
		}
		seen[pkg] = true
		if app := l.resolve(ctx, pkg, ""); app != nil {
			apps = append(apps, app)
		}
	}
	sort.SliceStable(apps, func(i, j int) bool {
		a, b := strings.ToLower(apps[i].Label), strings.ToLower(apps[j].Label)
		if a != b {
			return a < b
		}
		return apps[i].PackageName < apps[j].PackageName
	})

	items := make([]Item, len(apps))
	for i, a := range apps {
		items[i] = a
	}
	return items
}

// Items returns a copy of the current list.
func (l *Layout) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneItems(l.items)
}

// Len returns the number of top-level slots.
func (l *Layout) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *Layout) valid(i int) bool {
	return i >= 0 && i < len(l.items)
}

// Move relocates the item at from to index to. Invalid indices leave the
// list untouched and return false.
func (l *Layout) Move(from, to int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.valid(from) || !l.valid(to) {
		return false
	}
	if from == to {
		return true
	}
	it := l.items[from]
	l.items = append(l.items[:from], l.items[from+1:]...)
	l.items = append(l.items[:to], append([]Item{it}, l.items[to:]...)...)
	return true
}

// Merge drops the app at from onto the item at to. Onto a folder the app
// is appended at once; onto another app the merge waits for
// CompleteMerge with a folder name.
func (l *Layout) Merge(from, to int) (MergeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.valid(from) || !l.valid(to) || from == to {
		return MergeResult{}, ErrIndexOutOfRange
	}
	app, ok := l.items[from].(*App)
	if !ok {
		return MergeResult{}, ErrNotApp
	}

	switch target := l.items[to].(type) {
	case *Folder:
		target.Apps = append(target.Apps, app)
		l.items = append(l.items[:from], l.items[from+1:]...)
		l.pending = nil
		return MergeResult{}, nil
	case *App:
		l.pending = &pendingMerge{fromID: app.ItemID(), toID: target.ItemID()}
		return MergeResult{NeedsName: true}, nil
	default:
		return MergeResult{}, fmt.Errorf("kiosk: unexpected item %T", target)
	}
}

// CompleteMerge creates the folder requested by the last Merge of two
// apps. The folder takes the slot of the lower of the two indices and
// keeps the apps in list order.
func (l *Layout) CompleteMerge(name string) (*Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrBlankName
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending == nil {
		return nil, ErrNoPendingMerge
	}
	p := l.pending
	l.pending = nil

	a, b := l.indexOf(p.fromID), l.indexOf(p.toID)
	if a < 0 || b < 0 {
		return nil, ErrNoPendingMerge
	}
	if a > b {
		a, b = b, a
	}
	first, ok1 := l.items[a].(*App)
	second, ok2 := l.items[b].(*App)
	if !ok1 || !ok2 {
		return nil, ErrNotApp
	}

	folder := &Folder{ID: uuid.New().String(), Name: name, Apps: []*App{first, second}}
	l.items[a] = folder
	l.items = append(l.items[:b], l.items[b+1:]...)

	l.logger.WithFields(logrus.Fields{
		"folder_id": folder.ID,
		"apps":      []string{first.PackageName, second.PackageName},
	}).Debug("Kiosk folder created")
	return folder, nil
}

// CancelMerge forgets a merge waiting for a name.
func (l *Layout) CancelMerge() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}

func (l *Layout) indexOf(id string) int {
	for i, it := range l.items {
		if it.ItemID() == id {
			return i
		}
	}
	return -1
}

// Disband replaces the folder at index with its apps, in order.
func (l *Layout) Disband(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disband(index)
}

func (l *Layout) disband(index int) error {
	if !l.valid(index) {
		return ErrIndexOutOfRange
	}
	f, ok := l.items[index].(*Folder)
	if !ok {
		return ErrNotFolder
	}
	apps := make([]Item, len(f.Apps))
	for i, a := range f.Apps {
		apps[i] = a
	}
	rest := append(apps, l.items[index+1:]...)
	l.items = append(l.items[:index], rest...)
	return nil
}

// Rename sets a folder's name. Blank names are rejected and the old name kept.
func (l *Layout) Rename(index int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrBlankName
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid(index) {
		return ErrIndexOutOfRange
	}
	f, ok := l.items[index].(*Folder)
	if !ok {
		return ErrNotFolder
	}
	f.Name = name
	return nil
}

// Extract pulls the app at appIndex out of the folder at folderIndex and
// places it right after the folder. A folder left empty is removed.
func (l *Layout) Extract(folderIndex, appIndex int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.valid(folderIndex) {
		return ErrIndexOutOfRange
	}
	f, ok := l.items[folderIndex].(*Folder)
	if !ok {
		return ErrNotFolder
	}
	if appIndex < 0 || appIndex >= len(f.Apps) {
		return ErrIndexOutOfRange
	}

	app := f.Apps[appIndex]
	f.Apps = append(f.Apps[:appIndex], f.Apps[appIndex+1:]...)

	if len(f.Apps) == 0 {
		l.items[folderIndex] = app
		return nil
	}
	at := folderIndex + 1
	l.items = append(l.items[:at], append([]Item{app}, l.items[at:]...)...)
	return nil
}

// Save persists the current list.
func (l *Layout) Save(ctx context.Context) error {
	l.mu.Lock()
	data, err := Marshal(l.items)
	n := len(l.items)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if err := l.store.Set(ctx, LayoutKey, string(data)); err != nil {
		return fmt.Errorf("save kiosk layout: %w", err)
	}
	l.metrics.RecordKioskSave(n)
	l.logger.WithField("items", n).Debug("Kiosk layout saved")
	return nil
}

// JSON returns the persisted form of the current list.
func (l *Layout) JSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Marshal(l.items)
}

// Packages lists every app in the layout, folder contents included.
func (l *Layout) Packages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return packages(l.items)
}
