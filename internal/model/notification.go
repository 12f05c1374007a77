package model

import "time"

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	NotificationInfo       NotificationType = "info"
	NotificationSuccess    NotificationType = "success"
	NotificationWarning    NotificationType = "warning"
	NotificationError      NotificationType = "error"
	NotificationPost       NotificationType = "post"
	NotificationEngagement NotificationType = "engagement"
	NotificationTeam       NotificationType = "team"
	NotificationSystem     NotificationType = "system"
)

// Valid は通知種別が定義済みの値かどうかを返す。
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationInfo, NotificationSuccess, NotificationWarning, NotificationError,
		NotificationPost, NotificationEngagement, NotificationTeam, NotificationSystem:
		return true
	default:
		return false
	}
}

// Platform は連携先SNSを表す。
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformFacebook  Platform = "facebook"
)

// Valid はプラットフォームが定義済みの値かどうかを返す。空文字は未指定として有効。
func (p Platform) Valid() bool {
	switch p {
	case "", PlatformInstagram, PlatformTwitter, PlatformLinkedIn, PlatformFacebook:
		return true
	default:
		return false
	}
}

// Notification は通知センターに表示する1件の通知を表す。
// ID、Timestamp、Readは通知ストアが採番・設定する。
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Timestamp   time.Time        `json:"timestamp"`
	Read        bool             `json:"read"`
	ActionURL   string           `json:"actionUrl,omitempty"`
	ActionLabel string           `json:"actionLabel,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	Platform    Platform         `json:"platform,omitempty"`
}

// NotificationInput はAddに渡す通知内容。id、timestamp、readを含まない。
type NotificationInput struct {
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	ActionURL   string           `json:"actionUrl,omitempty"`
	ActionLabel string           `json:"actionLabel,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	Platform    Platform         `json:"platform,omitempty"`
}

// DisplayName は通知文面に使うプラットフォームの表示名を返す。
func (p Platform) DisplayName() string {
	switch p {
	case PlatformInstagram:
		return "Instagram"
	case PlatformTwitter:
		return "Twitter"
	case PlatformLinkedIn:
		return "LinkedIn"
	case PlatformFacebook:
		return "Facebook"
	default:
		return string(p)
	}
}
