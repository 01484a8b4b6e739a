package feature

import (
	"context"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/platform"
)

// Feature ids are persistence keys. Never rename one without migrating
// the stored desired state.
const (
	IDBlockCamera             = "block_camera"
	IDDisableScreenshots      = "disable_screenshots"
	IDDisableStatusBar        = "disable_status_bar"
	IDDisableKeyguard         = "disable_keyguard"
	IDRequireAutoTime         = "require_auto_time"
	IDBlockUSBDataSignaling   = "block_usb_data_signaling"
	IDFRPProtection           = "frp_protection"
	IDBlockFactoryReset       = "block_factory_reset"
	IDBlockSafeMode           = "block_safe_mode"
	IDBlockDebugging          = "block_debugging"
	IDDisableADB              = "disable_adb"
	IDDisableDeveloperOptions = "disable_developer_options"
	IDBlockInstallApps        = "block_install_apps"
	IDBlockUninstallApps      = "block_uninstall_apps"
	IDBlockUnknownSources     = "block_unknown_sources"
	IDBlockUnknownSourcesAll  = "block_unknown_sources_globally"
	IDBlockAppsControl        = "block_apps_control"
	IDBlockAddUser            = "block_add_user"
	IDBlockRemoveUser         = "block_remove_user"
	IDBlockAccounts           = "block_accounts"
	IDBlockCredentialsConfig  = "block_credentials_config"
	IDBlockWifiConfig         = "block_wifi_config"
	IDBlockWifiChange         = "block_wifi_change"
	IDBlockAddWifi            = "block_add_wifi"
	IDBlockWifiDirect         = "block_wifi_direct"
	IDBlockBluetooth          = "block_bluetooth"
	IDBlockBluetoothSharing   = "block_bluetooth_sharing"
	IDBlockBluetoothConfig    = "block_bluetooth_config"
	IDBlockTethering          = "block_tethering"
	IDBlockMobileNetworks     = "block_mobile_networks"
	IDBlockDataRoaming        = "block_data_roaming"
	IDBlockAirplaneMode       = "block_airplane_mode"
	IDBlockNetworkReset       = "block_network_reset"
	IDBlockCellular2G         = "block_cellular_2g"
	IDBlockPrivateDNS         = "block_private_dns"
	IDBlockVPNConfig          = "block_vpn_config"
	IDAlwaysOnVPN             = "always_on_vpn"
	IDInstallDNSFilter        = "install_dns_filter"
	IDBlockUSBFileTransfer    = "block_usb_file_transfer"
	IDBlockMountMedia         = "block_mount_media"
	IDBlockOutgoingBeam       = "block_outgoing_beam"
	IDBlockLocationConfig     = "block_location_config"
	IDBlockShareLocation      = "block_share_location"
	IDBlockOutgoingCalls      = "block_outgoing_calls"
	IDBlockIncomingCalls      = "block_incoming_calls"
	IDBlockSMS                = "block_sms"
	IDBlockCellBroadcasts     = "block_cell_broadcasts"
	IDBlockUnmuteMicrophone   = "block_unmute_microphone"
	IDBlockMicrophoneToggle   = "block_microphone_toggle"
	IDBlockCameraToggle       = "block_camera_toggle"
	IDBlockAdjustVolume       = "block_adjust_volume"
	IDBlockDateTime           = "block_date_time"
	IDBlockScreenTimeout      = "block_screen_timeout"
	IDBlockBrightness         = "block_brightness"
	IDBlockWallpaper          = "block_wallpaper"
	IDBlockAutofill           = "block_autofill"
	IDBlockContentCapture     = "block_content_capture"
	IDBlockPrinting           = "block_printing"
	IDInstallSafeBrowser      = "install_safe_browser"
	IDRequireSettingsPassword = "require_settings_password"
	IDLockSettingsPermanently = "lock_settings_permanently"
)

// FRPAccountsKey lists the accounts allowed to bypass factory reset protection.
const FRPAccountsKey = "frp_accounts"

// Bundled companions.
const (
	DNSFilterPackage   = "org.devicelock.dnsfilter"
	DNSFilterAsset     = "dnsfilter.apk"
	SafeBrowserPackage = "org.devicelock.browser"
	SafeBrowserAsset   = "browser.apk"
	NoopDialerPackage  = "org.devicelock.nodialer"
	NoopDialerAsset    = "nodialer.apk"
)

// Assets lists every companion APK the registry may install.
var Assets = []string{DNSFilterAsset, SafeBrowserAsset, NoopDialerAsset}

// CoreIDs must always be registered; their absence means a corrupted build.
var CoreIDs = []string{IDFRPProtection, IDBlockFactoryReset, IDBlockIncomingCalls, IDDisableADB}

// Registry 功能注册表（有序、不可变）
type Registry struct {
	features []Feature
	byID     map[string]Feature
}

// NewRegistry builds the registry from the fixed table. Order here is the
// order features are applied in.
func NewRegistry(deps Deps) *Registry {
	d := &deps
	ur := func(id string, minSDK int, key string) Feature {
		return &restriction{id: id, minSDK: minSDK, kind: primUserRestriction, key: key, deps: d}
	}
	pf := func(id string, minSDK, probeSDK int, flag platform.PolicyFlag) Feature {
		return &restriction{id: id, minSDK: minSDK, probeSDK: probeSDK, kind: primPolicyFlag, flag: flag, deps: d}
	}
	gs := func(id string, minSDK int, name, on, off string) Feature {
		return &restriction{id: id, minSDK: minSDK, kind: primGlobalSetting, key: name, onValue: on, offValue: off, deps: d}
	}
	local := func(id string) Feature {
		return &restriction{id: id, minSDK: 21, kind: primLocalOnly, deps: d}
	}

	r := newRegistry(
		// device
		pf(IDBlockCamera, 14, 0, platform.FlagCameraDisabled),
		pf(IDDisableScreenshots, 21, 0, platform.FlagScreenCaptureDisabled),
		pf(IDDisableStatusBar, 23, 34, platform.FlagStatusBarDisabled),
		pf(IDDisableKeyguard, 23, never, platform.FlagKeyguardDisabled),
		pf(IDRequireAutoTime, 21, 0, platform.FlagAutoTimeRequired),
		pf(IDBlockUSBDataSignaling, 31, 0, platform.FlagUSBDataSignaling),

		// security
		&restriction{id: IDFRPProtection, minSDK: 30, kind: primFRP, deps: d},
		ur(IDBlockFactoryReset, 21, "no_factory_reset"),
		ur(IDBlockSafeMode, 23, "no_safe_boot"),
		ur(IDBlockDebugging, 21, "no_debugging_features"),
		gs(IDDisableADB, 17, "adb_enabled", "0", "1"),
		gs(IDDisableDeveloperOptions, 17, "development_settings_enabled", "0", "1"),
		local(IDRequireSettingsPassword),
		local(IDLockSettingsPermanently),

		// apps
		ur(IDBlockInstallApps, 21, "no_install_apps"),
		ur(IDBlockUninstallApps, 21, "no_uninstall_apps"),
		ur(IDBlockUnknownSources, 21, "no_install_unknown_sources"),
		ur(IDBlockUnknownSourcesAll, 29, "no_install_unknown_sources_globally"),
		ur(IDBlockAppsControl, 28, "no_control_apps"),
		&companionFeature{id: IDInstallSafeBrowser, minSDK: 24, asset: SafeBrowserAsset, pkg: SafeBrowserPackage, label: "Safe Browser", deps: d},

		// users and accounts
		ur(IDBlockAddUser, 21, "no_add_user"),
		ur(IDBlockRemoveUser, 21, "no_remove_user"),
		ur(IDBlockAccounts, 21, "no_modify_accounts"),
		ur(IDBlockCredentialsConfig, 21, "no_config_credentials"),

		// connectivity
		ur(IDBlockWifiConfig, 21, "no_config_wifi"),
		ur(IDBlockWifiChange, 33, "no_change_wifi_state"),
		ur(IDBlockAddWifi, 33, "no_add_wifi_config"),
		ur(IDBlockWifiDirect, 33, "no_wifi_direct"),
		ur(IDBlockBluetooth, 26, "no_bluetooth"),
		ur(IDBlockBluetoothSharing, 26, "no_bluetooth_sharing"),
		ur(IDBlockBluetoothConfig, 21, "no_config_bluetooth"),
		ur(IDBlockTethering, 21, "no_config_tethering"),
		ur(IDBlockMobileNetworks, 21, "no_config_mobile_networks"),
		ur(IDBlockDataRoaming, 24, "no_data_roaming"),
		ur(IDBlockAirplaneMode, 28, "no_airplane_mode"),
		ur(IDBlockNetworkReset, 23, "no_network_reset"),
		ur(IDBlockCellular2G, 34, "no_cellular_2g"),
		ur(IDBlockPrivateDNS, 29, "no_config_private_dns"),
		ur(IDBlockVPNConfig, 21, "no_config_vpn"),
		&companionFeature{id: IDInstallDNSFilter, minSDK: 24, asset: DNSFilterAsset, pkg: DNSFilterPackage, label: "DNS Filter", deps: d},
		&restriction{id: IDAlwaysOnVPN, minSDK: 24, kind: primAlwaysOnVPN, target: DNSFilterPackage, deps: d},
		ur(IDBlockUSBFileTransfer, 21, "no_usb_file_transfer"),
		ur(IDBlockMountMedia, 21, "no_physical_media"),
		ur(IDBlockOutgoingBeam, 22, "no_outgoing_beam"),
		ur(IDBlockLocationConfig, 28, "no_config_location"),
		ur(IDBlockShareLocation, 21, "no_share_location"),

		// calls and messages
		ur(IDBlockOutgoingCalls, 21, "no_outgoing_calls"),
		&dialerFeature{id: IDBlockIncomingCalls, minSDK: 23, asset: NoopDialerAsset, replacement: NoopDialerPackage, deps: d},
		ur(IDBlockSMS, 21, "no_sms"),
		ur(IDBlockCellBroadcasts, 21, "no_config_cell_broadcasts"),

		// system ui
		ur(IDBlockUnmuteMicrophone, 21, "no_unmute_microphone"),
		ur(IDBlockMicrophoneToggle, 31, "disallow_microphone_toggle"),
		ur(IDBlockCameraToggle, 31, "disallow_camera_toggle"),
		ur(IDBlockAdjustVolume, 21, "no_adjust_volume"),
		ur(IDBlockDateTime, 28, "no_config_date_time"),
		ur(IDBlockScreenTimeout, 28, "no_config_screen_timeout"),
		ur(IDBlockBrightness, 28, "no_config_brightness"),
		ur(IDBlockWallpaper, 24, "no_set_wallpaper"),
		ur(IDBlockAutofill, 26, "no_autofill"),
		ur(IDBlockContentCapture, 29, "no_content_capture"),
		ur(IDBlockPrinting, 28, "no_printing"),
	)

	if l, ok := deps.Installer.(ResultListener); ok {
		if f, ok := r.byID[IDBlockIncomingCalls].(*dialerFeature); ok {
			l.OnResult(f.onInstallResult)
		}
	}
	return r
}

func newRegistry(features ...Feature) *Registry {
	r := &Registry{
		features: features,
		byID:     make(map[string]Feature, len(features)),
	}
	for _, f := range features {
		if _, dup := r.byID[f.ID()]; dup {
			panic(fmt.Sprintf("feature: duplicate id %q", f.ID()))
		}
		r.byID[f.ID()] = f
	}
	return r
}

// All returns the features in application order.
func (r *Registry) All() []Feature {
	return append([]Feature(nil), r.features...)
}

func (r *Registry) Get(id string) (Feature, bool) {
	f, ok := r.byID[id]
	return f, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, len(r.features))
	for i, f := range r.features {
		ids[i] = f.ID()
	}
	return ids
}

func (r *Registry) Len() int { return len(r.features) }

// DialerState reports the incoming-call blocker's cycle position.
func (r *Registry) DialerState(ctx context.Context) (DialerState, error) {
	f, ok := r.byID[IDBlockIncomingCalls]
	if !ok {
		return DialerInactive, ErrUnknownFeature
	}
	return f.(*dialerFeature).State(ctx)
}
