package domain

// UpdateInfo 远端版本信息（每次检查获取，不持久化）
type UpdateInfo struct {
	VersionCode int    `json:"version_code"`
	Changelog   string `json:"changelog"`
	DownloadURL string `json:"download_url"`
}
