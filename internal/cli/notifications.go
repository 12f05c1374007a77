package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/engagepro/internal/apiclient"
	"github.com/hitoshi/engagepro/internal/inbox"
	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
)

// watchCapacity はwatch中にローカルで保持する通知の上限。
const watchCapacity = 200

// watchBuffer はwatchの表示側の購読バッファ。溢れた場合は一覧の再送から未表示分を出す。
const watchBuffer = 256

func newNotificationsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif", "n"},
		Short:   "List and manage notifications",
	}
	cmd.AddCommand(
		newNotificationsListCommand(e),
		newNotificationsAddCommand(e),
		newNotificationsReadCommand(e),
		newNotificationsReadAllCommand(e),
		newNotificationsRemoveCommand(e),
		newNotificationsClearCommand(e),
		newNotificationsWatchCommand(e),
	)
	return cmd
}

// withToken は現在のトークンでfnを呼び、トークン拒否の場合はセッションを破棄する。
func (e *env) withToken(fn func(token string) error) error {
	token, err := e.token()
	if err != nil {
		return err
	}
	return e.checkAuth(token, fn(token))
}

func newNotificationsListCommand(e *env) *cobra.Command {
	var asJSON, unreadOnly bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List notifications, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				list, err := e.api.ListNotifications(cmd.Context(), token)
				if err != nil {
					return err
				}
				items := list.Notifications
				if unreadOnly {
					items = filterUnread(items)
				}
				if asJSON {
					return e.out.json(apiclient.NotificationList{Notifications: items, UnreadCount: list.UnreadCount})
				}
				e.out.notifications(items, list.UnreadCount)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "show only unread notifications")
	return cmd
}

func newNotificationsAddCommand(e *env) *cobra.Command {
	var in model.NotificationInput
	var typ, platform string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a notification to your own notification center",
		Long: `Add a notification. The server assigns the id and timestamp and the
notification starts unread.

Types: info, success, warning, error, post, engagement, team, system

Examples:
  engagectl notifications add --type success --title "Export finished"
  engagectl notifications add --title "Review" --action-url https://example.com --action-label Open`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Type = model.NotificationType(typ)
			in.Platform = model.Platform(platform)
			if !in.Type.Valid() {
				return fmt.Errorf("invalid notification type %q", typ)
			}
			if !in.Platform.Valid() {
				return fmt.Errorf("invalid platform %q", platform)
			}
			return e.withToken(func(token string) error {
				n, err := e.api.AddNotification(cmd.Context(), token, in)
				if err != nil {
					return err
				}
				e.out.notification(*n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(model.NotificationInfo), "notification type")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Message, "message", "", "message body")
	cmd.Flags().StringVar(&in.ActionURL, "action-url", "", "action link (http or https)")
	cmd.Flags().StringVar(&in.ActionLabel, "action-label", "", "action button label")
	cmd.Flags().StringVar(&in.Avatar, "avatar", "", "avatar image URL")
	cmd.Flags().StringVar(&platform, "platform", "", "platform (instagram, twitter, linkedin, facebook)")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newNotificationsReadCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>...",
		Short: "Mark notifications as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				for _, id := range args {
					if err := e.api.MarkRead(cmd.Context(), token, id); err != nil {
						return err
					}
				}
				e.out.done("Marked %d notification(s) as read", len(args))
				return nil
			})
		},
	}
}

func newNotificationsReadAllCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "read-all",
		Short: "Mark all notifications as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				if err := e.api.MarkAllRead(cmd.Context(), token); err != nil {
					return err
				}
				e.out.done("All notifications marked as read")
				return nil
			})
		},
	}
}

func newNotificationsRemoveCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"remove"},
		Short:   "Remove notifications",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				for _, id := range args {
					if err := e.api.RemoveNotification(cmd.Context(), token, id); err != nil {
						return err
					}
				}
				e.out.done("Removed %d notification(s)", len(args))
				return nil
			})
		},
	}
}

func newNotificationsClearCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				if err := e.api.ClearNotifications(cmd.Context(), token); err != nil {
					return err
				}
				e.out.done("Notifications cleared")
				return nil
			})
		},
	}
}

func newNotificationsWatchCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow notifications as they arrive",
		Long: `Print the current notifications, then follow the notification stream and
print each new notification as it arrives. Reconnects automatically when the
connection drops. Press Ctrl+C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withToken(func(token string) error {
				return e.watch(cmd.Context(), token)
			})
		},
	}
}

func (e *env) watch(ctx context.Context, token string) error {
	local := notification.NewStore(
		notification.WithCapacity(watchCapacity),
		notification.WithLogger(e.logger),
	)
	mirror := inbox.NewMirror(e.api, local, inbox.WithLogger(e.logger))

	if err := mirror.Sync(ctx, token); err != nil {
		return err
	}
	events, cancel := local.Subscribe(
		notification.WithInitialSnapshot(),
		notification.WithBuffer(watchBuffer),
	)
	defer cancel()

	first := <-events
	e.out.notifications(first.Snapshot, first.UnreadCount)
	seen := idSet(first.Snapshot)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			switch ev.Kind {
			case notification.EventAdded:
				seen[ev.ID] = struct{}{}
				e.out.notification(*ev.Notification)
			case notification.EventReset:
				// 一覧は新しい順なので古いものから表示する
				for i := len(ev.Snapshot) - 1; i >= 0; i-- {
					if _, ok := seen[ev.Snapshot[i].ID]; !ok {
						e.out.notification(ev.Snapshot[i])
					}
				}
				seen = idSet(ev.Snapshot)
			case notification.EventCleared:
				fmt.Fprintln(e.stdout, e.out.dim.Render("-- notifications cleared --"))
			default:
				e.logger.Debug("notification changed",
					slog.String("kind", string(ev.Kind)),
					slog.String("id", ev.ID),
					slog.Int("unread", ev.UnreadCount),
				)
			}
		}
	}()

	err := mirror.Follow(ctx, token)
	cancel()
	<-printed
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func idSet(items []model.Notification) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, n := range items {
		set[n.ID] = struct{}{}
	}
	return set
}

func newPublishCommand(e *env) *cobra.Command {
	var platforms []string
	var content, at string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish or schedule a post",
		Long: `Publish a post to one or more platforms, or schedule it with --at.
One notification per platform is added to your notification center.

Examples:
  engagectl publish --platform instagram --platform twitter --content "Launch day"
  engagectl publish --platform linkedin --content "Hiring" --at 2026-11-01T09:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := apiclient.PublishRequest{Content: content}
			for _, p := range platforms {
				pl := model.Platform(strings.ToLower(strings.TrimSpace(p)))
				if pl == "" || !pl.Valid() {
					return fmt.Errorf("invalid platform %q", p)
				}
				req.Platforms = append(req.Platforms, pl)
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at value: %w", err)
				}
				req.ScheduledAt = &t
			}
			return e.withToken(func(token string) error {
				created, err := e.api.Publish(cmd.Context(), token, req)
				if err != nil {
					return err
				}
				for _, n := range created {
					e.out.notification(n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "target platform (repeatable)")
	cmd.Flags().StringVar(&content, "content", "", "post content")
	cmd.Flags().StringVar(&at, "at", "", "schedule time in RFC 3339")
	cmd.MarkFlagRequired("platform")
	return cmd
}

func filterUnread(list []model.Notification) []model.Notification {
	out := make([]model.Notification, 0, len(list))
	for _, n := range list {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}
