package notification

import (
	"time"

	"github.com/hitoshi/engagepro/internal/model"
)

// SeedNotifications はデモ用の初期通知セットを返す。
// タイムスタンプはnowからの相対時刻で、新しい順に並ぶ。
func SeedNotifications(now time.Time) []model.Notification {
	return []model.Notification{
		{
			ID:          "1",
			Type:        model.NotificationEngagement,
			Title:       "High Engagement Alert",
			Message:     `Your Instagram post "Product Launch 🚀" has reached 500+ likes!`,
			Timestamp:   now.Add(-5 * time.Minute),
			Read:        false,
			ActionURL:   "/dashboard/posts",
			ActionLabel: "View Post",
			Platform:    model.PlatformInstagram,
		},
		{
			ID:          "2",
			Type:        model.NotificationPost,
			Title:       "Post Published Successfully",
			Message:     "Your scheduled LinkedIn post has been published.",
			Timestamp:   now.Add(-30 * time.Minute),
			Read:        false,
			ActionURL:   "/dashboard/posts",
			ActionLabel: "View Post",
			Platform:    model.PlatformLinkedIn,
		},
		{
			ID:          "3",
			Type:        model.NotificationTeam,
			Title:       "New Team Member",
			Message:     "Sarah Johnson has joined your team as an Editor.",
			Timestamp:   now.Add(-2 * time.Hour),
			Read:        true,
			ActionURL:   "/dashboard/team",
			ActionLabel: "View Team",
			Avatar:      "https://images.pexels.com/photos/774909/pexels-photo-774909.jpeg?auto=compress&cs=tinysrgb&w=100",
		},
		{
			ID:          "4",
			Type:        model.NotificationWarning,
			Title:       "Posting Limit Warning",
			Message:     "You've used 80% of your monthly posting limit. Consider upgrading your plan.",
			Timestamp:   now.Add(-4 * time.Hour),
			Read:        true,
			ActionURL:   "/dashboard/billing",
			ActionLabel: "Upgrade Plan",
		},
		{
			ID:          "5",
			Type:        model.NotificationSuccess,
			Title:       "Analytics Report Ready",
			Message:     "Your weekly performance report is now available.",
			Timestamp:   now.Add(-24 * time.Hour),
			Read:        true,
			ActionURL:   "/dashboard/analytics",
			ActionLabel: "View Report",
		},
		{
			ID:        "6",
			Type:      model.NotificationSystem,
			Title:     "Scheduled Maintenance",
			Message:   "We'll be performing maintenance on Dec 20th from 2-4 AM UTC.",
			Timestamp: now.Add(-48 * time.Hour),
			Read:      true,
		},
		{
			ID:          "7",
			Type:        model.NotificationError,
			Title:       "Post Failed to Publish",
			Message:     "Your Twitter post failed to publish due to API limits. Retrying in 1 hour.",
			Timestamp:   now.Add(-72 * time.Hour),
			Read:        true,
			ActionURL:   "/dashboard/posts",
			ActionLabel: "Retry Now",
			Platform:    model.PlatformTwitter,
		},
	}
}
