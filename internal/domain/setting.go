package domain

import "time"

// Setting 键值配置表（唯一的持久化共享状态）
type Setting struct {
	Key       string    `gorm:"primaryKey;column:setting_key;type:varchar(128)" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Setting) TableName() string {
	return "settings"
}
