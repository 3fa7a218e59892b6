package bot

import (
	"fmt"
	"strings"

	"kwalert/internal/model"
)

// subscriptionLine renders one subscription as "#id • keyword • channel".
func subscriptionLine(s model.Subscription) string {
	return fmt.Sprintf("#%d • %s • %s", s.ID, s.Keyword, s.ChannelRef())
}

// FormatSubscriptionList formats the active subscriptions of a user.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "No active subscriptions. Use /subscribe kw1,kw2 channel1,channel2 to add some."
	}
	var b strings.Builder
	b.WriteString("Active subscriptions:\n")
	for _, s := range subs {
		b.WriteString("\n")
		b.WriteString(subscriptionLine(s))
	}
	return b.String()
}

// FormatSubscribeResult reports created subscriptions and failed items.
func FormatSubscribeResult(created []model.Subscription, failures []string) string {
	var b strings.Builder
	if len(created) > 0 {
		b.WriteString("Subscriptions created:")
		for _, s := range created {
			b.WriteString("\n")
			b.WriteString(subscriptionLine(s))
		}
	}
	if len(failures) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Some items failed:")
		for _, f := range failures {
			b.WriteString("\n")
			b.WriteString(f)
		}
	}
	if b.Len() == 0 {
		return "Nothing new: you already have all of these subscriptions."
	}
	return b.String()
}

const helpText = `Commands:
/start – register and enable alerts
/help – this reference
/subscribe kw1,kw2 channel1,channel2 – subscribe (regex supported: /exp/gi)
/unsubscribe kw [channel] – deactivate by keyword
/unsubscribe_id 10,22 – deactivate by IDs
/unsubscribe_all – deactivate everything
/list – show active subscriptions
/cancel – cancel the current operation

Channels: @name, name, https://t.me/name, -100123 or t.me/c/123.
Keywords match case-insensitively as plain text; wrap them in slashes
for a regular expression, e.g. /go(lang)?/i.`
