package kiosk

// SettingsPackage is the system Settings app.
const SettingsPackage = "com.android.settings"

// LockTaskPackages returns the packages allowed to run in lock task mode:
// the agent itself, the selected apps and, when allowSettings is set,
// settingsPkg. The result has no duplicates and starts with own.
func LockTaskPackages(selected []string, own, settingsPkg string, allowSettings bool) []string {
	out := make([]string, 0, len(selected)+2)
	seen := make(map[string]bool, len(selected)+2)
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	add(own)
	for _, p := range selected {
		add(p)
	}
	if allowSettings {
		add(settingsPkg)
	}
	return out
}
