package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"kwalert/internal/config"
	"kwalert/internal/model"
	"kwalert/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
	Markup any
}

type mockAPI struct {
	mu        sync.Mutex
	sent      []sentMsg
	callbacks int
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg := c.(type) {
	case tgbotapi.MessageConfig:
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, Markup: msg.ReplyMarkup})
	case tgbotapi.CallbackConfig:
		m.callbacks++
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) last() sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMsg{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockAPI) lastText() string {
	return m.last().Text
}

func (m *mockAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// --- helpers ---

const aliceChat = 100

var ignoreCreatedAt = cmpopts.IgnoreFields(model.Subscription{}, "CreatedAt")

func newTestBot(t *testing.T, cfg *config.Config) (*Bot, *mockAPI, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if cfg == nil {
		cfg = &config.Config{}
	}
	api := &mockAPI{}
	return New(api, store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), api, store
}

func command(chatID int64, text string) tgbotapi.Update {
	name, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text:     text,
			From:     &tgbotapi.User{ID: chatID},
			Chat:     &tgbotapi.Chat{ID: chatID, Type: "private"},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
		},
	}
}

func callback(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			From:    &tgbotapi.User{ID: chatID},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID, Type: "private"}},
			Data:    data,
		},
	}
}

func registered(t *testing.T, b *Bot, chatID int64) *model.User {
	t.Helper()
	b.handleUpdate(context.Background(), command(chatID, "/start"))
	u, err := b.store.GetUserByChatID(context.Background(), chatID)
	if err != nil {
		t.Fatalf("user not registered: %v", err)
	}
	return u
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	b, api, store := newTestBot(t, nil)
	ctx := context.Background()

	b.handleUpdate(ctx, command(aliceChat, "/start"))
	requireContains(t, api.lastText(), "Bot ready")

	b.handleUpdate(ctx, command(aliceChat, "/start"))
	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if diff := cmp.Diff(1, len(users)); diff != "" {
		t.Errorf("repeated /start must not duplicate users (-want +got):\n%s", diff)
	}
}

func TestStatelessCommands(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{text: "/help", want: "/subscribe kw1,kw2 channel1,channel2"},
		{text: "/cancel", want: "nothing to cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			b, api, _ := newTestBot(t, nil)
			b.handleUpdate(context.Background(), command(aliceChat, tt.text))
			requireContains(t, api.lastText(), tt.want)
		})
	}
}

func TestAccessControl(t *testing.T) {
	ctx := context.Background()

	t.Run("not in allow list", func(t *testing.T) {
		b, api, store := newTestBot(t, &config.Config{AllowedUsers: []int64{1}})
		b.handleUpdate(ctx, command(aliceChat, "/start"))
		requireContains(t, api.lastText(), "Access denied")
		if _, err := store.GetUserByChatID(ctx, aliceChat); err == nil {
			t.Error("denied user must not be registered")
		}
	})

	t.Run("unregistered user", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		b.handleUpdate(ctx, command(aliceChat, "/list"))
		requireContains(t, api.lastText(), "Send /start first")
	})

	t.Run("group chats ignored", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		upd := command(aliceChat, "/start")
		upd.Message.Chat.Type = "group"
		b.handleUpdate(ctx, upd)
		if diff := cmp.Diff(0, api.count()); diff != "" {
			t.Errorf("expected no reply (-want +got):\n%s", diff)
		}
	})

	t.Run("plain text ignored", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		upd := command(aliceChat, "hello")
		upd.Message.Entities = nil
		b.handleUpdate(ctx, upd)
		if diff := cmp.Diff(0, api.count()); diff != "" {
			t.Errorf("expected no reply (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		registered(t, b, aliceChat)
		b.handleUpdate(ctx, command(aliceChat, "/frobnicate"))
		requireContains(t, api.lastText(), "Unknown command")
	})
}

func TestHandleSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("usage", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		registered(t, b, aliceChat)
		b.handleUpdate(ctx, command(aliceChat, "/subscribe golang"))
		requireContains(t, api.lastText(), "Usage: /subscribe")
	})

	t.Run("cartesian product", func(t *testing.T) {
		b, api, store := newTestBot(t, nil)
		u := registered(t, b, aliceChat)

		b.handleUpdate(ctx, command(aliceChat, "/subscribe go, rust @news,https://t.me/c/777/5"))
		reply := api.lastText()
		requireContains(t, reply, "Subscriptions created:")
		requireContains(t, reply, "#1 • go • news")
		requireContains(t, reply, "#4 • rust • -100777")

		subs, err := store.ListUserSubscriptions(ctx, u.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := []model.Subscription{
			{ID: 1, UserID: u.ID, Keyword: "go", ChannelName: "news", IsActive: true},
			{ID: 2, UserID: u.ID, Keyword: "rust", ChannelName: "news", IsActive: true},
			{ID: 3, UserID: u.ID, Keyword: "go", ChatID: "-100777", IsActive: true},
			{ID: 4, UserID: u.ID, Keyword: "rust", ChatID: "-100777", IsActive: true},
		}
		if diff := cmp.Diff(want, subs, ignoreCreatedAt); diff != "" {
			t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("duplicates skipped", func(t *testing.T) {
		b, api, store := newTestBot(t, nil)
		u := registered(t, b, aliceChat)

		b.handleUpdate(ctx, command(aliceChat, "/subscribe go news"))
		b.handleUpdate(ctx, command(aliceChat, "/subscribe go @news"))
		requireContains(t, api.lastText(), "Nothing new")

		subs, _ := store.ListUserSubscriptions(ctx, u.ID)
		if diff := cmp.Diff(1, len(subs)); diff != "" {
			t.Errorf("subscription count mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid regex rejected", func(t *testing.T) {
		b, api, store := newTestBot(t, nil)
		u := registered(t, b, aliceChat)

		b.handleUpdate(ctx, command(aliceChat, "/subscribe /(/,ok news"))
		reply := api.lastText()
		requireContains(t, reply, "#1 • ok • news")
		requireContains(t, reply, "Some items failed:\n/(/:")

		subs, _ := store.ListUserSubscriptions(ctx, u.ID)
		if diff := cmp.Diff(1, len(subs)); diff != "" {
			t.Errorf("subscription count mismatch (-want +got):\n%s", diff)
		}
	})
}

func seedSubs(t *testing.T, store *storage.SQLite, userID int64, pairs ...[2]string) {
	t.Helper()
	for _, p := range pairs {
		sub := model.Subscription{UserID: userID, Keyword: p[0], ChannelName: p[1]}
		if strings.HasPrefix(p[1], "-") {
			sub = model.Subscription{UserID: userID, Keyword: p[0], ChatID: p[1]}
		}
		if err := store.CreateSubscription(context.Background(), &sub); err != nil {
			t.Fatalf("seed subscription: %v", err)
		}
	}
}

func activeKeywords(t *testing.T, store *storage.SQLite, userID int64) []string {
	t.Helper()
	subs, err := store.ListUserSubscriptions(context.Background(), userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []string
	for _, s := range subs {
		out = append(out, s.Keyword+"@"+s.ChannelRef())
	}
	return out
}

func TestHandleUnsubscribe(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantReply string
		wantLeft  []string
	}{
		{
			name:      "usage",
			text:      "/unsubscribe",
			wantReply: "Usage: /unsubscribe",
			wantLeft:  []string{"go@news", "go@-100777", "rust@news"},
		},
		{
			name:      "keyword everywhere",
			text:      "/unsubscribe go",
			wantReply: "Deactivated: 2",
			wantLeft:  []string{"rust@news"},
		},
		{
			name:      "keyword on channel link",
			text:      "/unsubscribe go https://t.me/news",
			wantReply: "Deactivated: 1",
			wantLeft:  []string{"go@-100777", "rust@news"},
		},
		{
			name:      "keyword on private channel",
			text:      "/unsubscribe go t.me/c/777",
			wantReply: "Deactivated: 1",
			wantLeft:  []string{"go@news", "rust@news"},
		},
		{
			name:      "by ids",
			text:      "/unsubscribe_id 1, 3",
			wantReply: "Deactivated by ID: 2",
			wantLeft:  []string{"go@-100777"},
		},
		{
			name:      "by ids usage",
			text:      "/unsubscribe_id x",
			wantReply: "Usage: /unsubscribe_id",
			wantLeft:  []string{"go@news", "go@-100777", "rust@news"},
		},
		{
			name:      "all",
			text:      "/unsubscribe_all",
			wantReply: "Subscriptions deactivated: 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, api, store := newTestBot(t, nil)
			u := registered(t, b, aliceChat)
			seedSubs(t, store, u.ID, [2]string{"go", "news"}, [2]string{"go", "-100777"}, [2]string{"rust", "news"})

			b.handleUpdate(context.Background(), command(aliceChat, tt.text))
			requireContains(t, api.lastText(), tt.wantReply)
			if diff := cmp.Diff(tt.wantLeft, activeKeywords(t, store, u.ID)); diff != "" {
				t.Errorf("remaining subscriptions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnsubscribeIgnoresOtherUsers(t *testing.T) {
	b, api, store := newTestBot(t, nil)
	alice := registered(t, b, aliceChat)
	bob := registered(t, b, 200)
	seedSubs(t, store, bob.ID, [2]string{"go", "news"})

	b.handleUpdate(context.Background(), command(aliceChat, "/unsubscribe_id 1"))
	requireContains(t, api.lastText(), "Deactivated by ID: 0")
	if diff := cmp.Diff([]string{"go@news"}, activeKeywords(t, store, bob.ID)); diff != "" {
		t.Errorf("bob's subscriptions mismatch (-want +got):\n%s", diff)
	}
	if got := activeKeywords(t, store, alice.ID); len(got) != 0 {
		t.Errorf("alice should have nothing, got %v", got)
	}
}

func TestHandleList(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		registered(t, b, aliceChat)
		b.handleUpdate(ctx, command(aliceChat, "/list"))
		requireContains(t, api.lastText(), "No active subscriptions")
		if api.last().Markup != nil {
			t.Errorf("expected no keyboard, got %v", api.last().Markup)
		}
	})

	t.Run("with remove buttons", func(t *testing.T) {
		b, api, store := newTestBot(t, nil)
		u := registered(t, b, aliceChat)
		seedSubs(t, store, u.ID, [2]string{"go", "news"}, [2]string{"/rust/i", "-100777"})

		b.handleUpdate(ctx, command(aliceChat, "/list"))
		got := api.last()
		if diff := cmp.Diff("Active subscriptions:\n\n#1 • go • news\n#2 • /rust/i • -100777", got.Text); diff != "" {
			t.Errorf("list text mismatch (-want +got):\n%s", diff)
		}

		markup, ok := got.Markup.(tgbotapi.InlineKeyboardMarkup)
		if !ok {
			t.Fatalf("expected inline keyboard, got %T", got.Markup)
		}
		var data []string
		for _, row := range markup.InlineKeyboard {
			for _, btn := range row {
				data = append(data, btn.Text+"="+*btn.CallbackData)
			}
		}
		if diff := cmp.Diff([]string{"Remove #1=unsub:1", "Remove #2=unsub:2"}, data); diff != "" {
			t.Errorf("buttons mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		data      string
		wantReply string
		wantLeft  []string
	}{
		{name: "remove", data: "unsub:1", wantReply: "Subscription #1 removed.", wantLeft: []string{"rust@news"}},
		{name: "unknown id", data: "unsub:99", wantReply: "Subscription #99 not found.", wantLeft: []string{"go@news", "rust@news"}},
		{name: "malformed", data: "garbage", wantLeft: []string{"go@news", "rust@news"}},
		{name: "unknown action", data: "other:1", wantLeft: []string{"go@news", "rust@news"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, api, store := newTestBot(t, nil)
			u := registered(t, b, aliceChat)
			seedSubs(t, store, u.ID, [2]string{"go", "news"}, [2]string{"rust", "news"})
			before := api.count()

			b.handleUpdate(ctx, callback(aliceChat, tt.data))

			if diff := cmp.Diff(1, api.callbacks); diff != "" {
				t.Errorf("callback must be acknowledged (-want +got):\n%s", diff)
			}
			if tt.wantReply == "" {
				if diff := cmp.Diff(before, api.count()); diff != "" {
					t.Errorf("expected no reply (-want +got):\n%s", diff)
				}
			} else {
				requireContains(t, api.lastText(), tt.wantReply)
			}
			if diff := cmp.Diff(tt.wantLeft, activeKeywords(t, store, u.ID)); diff != "" {
				t.Errorf("remaining subscriptions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCallbackForeignSubscription(t *testing.T) {
	b, api, store := newTestBot(t, nil)
	registered(t, b, aliceChat)
	bob := registered(t, b, 200)
	seedSubs(t, store, bob.ID, [2]string{"go", "news"})

	b.handleUpdate(context.Background(), callback(aliceChat, fmt.Sprintf("unsub:%d", 1)))
	requireContains(t, api.lastText(), "not found")
	if diff := cmp.Diff([]string{"go@news"}, activeKeywords(t, store, bob.ID)); diff != "" {
		t.Errorf("bob's subscriptions mismatch (-want +got):\n%s", diff)
	}
}
