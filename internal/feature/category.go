package feature

// Category groups features for presentation.
type Category struct {
	Title    string    `json:"title"`
	Features []Feature `json:"-"`
}

var categoryTable = []struct {
	title string
	ids   []string
}{
	{"Device", []string{
		IDBlockCamera, IDDisableScreenshots, IDDisableStatusBar, IDDisableKeyguard,
		IDRequireAutoTime, IDBlockUSBDataSignaling, IDBlockUSBFileTransfer, IDBlockMountMedia,
	}},
	{"Security", []string{
		IDFRPProtection, IDBlockFactoryReset, IDBlockSafeMode, IDBlockDebugging,
		IDDisableADB, IDDisableDeveloperOptions, IDRequireSettingsPassword, IDLockSettingsPermanently,
	}},
	{"Apps", []string{
		IDBlockInstallApps, IDBlockUninstallApps, IDBlockUnknownSources, IDBlockUnknownSourcesAll,
		IDBlockAppsControl, IDInstallSafeBrowser,
	}},
	{"Users & Accounts", []string{
		IDBlockAddUser, IDBlockRemoveUser, IDBlockAccounts, IDBlockCredentialsConfig,
	}},
	{"Network", []string{
		IDBlockWifiConfig, IDBlockWifiChange, IDBlockAddWifi, IDBlockWifiDirect,
		IDBlockBluetooth, IDBlockBluetoothSharing, IDBlockBluetoothConfig, IDBlockTethering,
		IDBlockMobileNetworks, IDBlockDataRoaming, IDBlockAirplaneMode, IDBlockNetworkReset,
		IDBlockCellular2G, IDBlockOutgoingBeam,
	}},
	{"VPN & DNS", []string{
		IDBlockPrivateDNS, IDBlockVPNConfig, IDInstallDNSFilter, IDAlwaysOnVPN,
	}},
	{"Location", []string{
		IDBlockLocationConfig, IDBlockShareLocation,
	}},
	{"Calls & Messages", []string{
		IDBlockOutgoingCalls, IDBlockIncomingCalls, IDBlockSMS, IDBlockCellBroadcasts,
	}},
	{"System", []string{
		IDBlockUnmuteMicrophone, IDBlockMicrophoneToggle, IDBlockCameraToggle, IDBlockAdjustVolume,
		IDBlockDateTime, IDBlockScreenTimeout, IDBlockBrightness, IDBlockWallpaper,
		IDBlockAutofill, IDBlockContentCapture, IDBlockPrinting,
	}},
}

// Categories resolves the category table against reg.
func Categories(reg *Registry) []Category {
	out := make([]Category, 0, len(categoryTable))
	for _, c := range categoryTable {
		cat := Category{Title: c.title}
		for _, id := range c.ids {
			if f, ok := reg.Get(id); ok {
				cat.Features = append(cat.Features, f)
			}
		}
		out = append(out, cat)
	}
	return out
}
