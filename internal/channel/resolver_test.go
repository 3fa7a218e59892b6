package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kwalert/internal/model"
)

type fakeDirectory struct {
	handles   map[string]model.Peer
	joinable  map[string]model.Peer
	invites   map[string]model.Peer
	importErr error
	joinErr   error
	calls     []string
}

func (f *fakeDirectory) LookupHandle(_ context.Context, handle string) (model.Peer, error) {
	f.calls = append(f.calls, "lookup:"+handle)
	if p, ok := f.handles[handle]; ok {
		return p, nil
	}
	return model.Peer{}, errors.New("not a member")
}

func (f *fakeDirectory) JoinHandle(_ context.Context, handle string) error {
	f.calls = append(f.calls, "join:"+handle)
	if f.joinErr != nil {
		return f.joinErr
	}
	if p, ok := f.joinable[handle]; ok {
		if f.handles == nil {
			f.handles = map[string]model.Peer{}
		}
		f.handles[handle] = p
	}
	return nil
}

func (f *fakeDirectory) ImportInvite(_ context.Context, token string) error {
	f.calls = append(f.calls, "import:"+token)
	return f.importErr
}

func (f *fakeDirectory) CheckInvite(_ context.Context, token string) (model.Peer, error) {
	f.calls = append(f.calls, "check:"+token)
	if p, ok := f.invites[token]; ok {
		return p, nil
	}
	return model.Peer{}, errors.New("invite expired")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		dir       *fakeDirectory
		input     string
		want      Resolved
		wantCalls []string
		wantKey   string
	}{
		{
			name:    "numeric never joins",
			dir:     &fakeDirectory{},
			input:   "-1001234567890",
			want:    Resolved{Raw: "-1001234567890", Peer: model.Peer{Address: 1234567890}},
			wantKey: "c/1234567890",
		},
		{
			name:      "handle already member skips join",
			dir:       &fakeDirectory{handles: map[string]model.Peer{"news": {Address: 55, Handle: "news"}}},
			input:     "@news",
			want:      Resolved{Raw: "@news", Peer: model.Peer{Address: 55, Handle: "news"}},
			wantCalls: []string{"lookup:news"},
			wantKey:   "c/55",
		},
		{
			name:      "handle joined on lookup failure",
			dir:       &fakeDirectory{joinable: map[string]model.Peer{"news": {Address: 55}}},
			input:     "news",
			want:      Resolved{Raw: "news", Peer: model.Peer{Address: 55, Handle: "news"}},
			wantCalls: []string{"lookup:news", "join:news", "lookup:news"},
			wantKey:   "c/55",
		},
		{
			name:      "handle only transport",
			dir:       &fakeDirectory{handles: map[string]model.Peer{"news": {}}},
			input:     "https://t.me/news",
			want:      Resolved{Raw: "https://t.me/news", Peer: model.Peer{Handle: "news"}},
			wantCalls: []string{"lookup:news"},
			wantKey:   "@news",
		},
		{
			name:      "join failure degrades to raw",
			dir:       &fakeDirectory{joinErr: errors.New("flood wait")},
			input:     "@news",
			want:      Resolved{Raw: "@news"},
			wantCalls: []string{"lookup:news", "join:news"},
			wantKey:   "@news",
		},
		{
			name:      "lookup after join fails degrades",
			dir:       &fakeDirectory{},
			input:     "ghost",
			want:      Resolved{Raw: "ghost"},
			wantCalls: []string{"lookup:ghost", "join:ghost", "lookup:ghost"},
			wantKey:   "ghost",
		},
		{
			name:      "invite import then check",
			dir:       &fakeDirectory{invites: map[string]model.Peer{"AbC": {Address: 999}}},
			input:     "+AbC",
			want:      Resolved{Raw: "+AbC", Peer: model.Peer{Address: 999}},
			wantCalls: []string{"import:AbC", "check:AbC"},
			wantKey:   "c/999",
		},
		{
			name: "already imported invite still resolves",
			dir: &fakeDirectory{
				invites:   map[string]model.Peer{"AbC": {Address: 999}},
				importErr: errors.New("USER_ALREADY_PARTICIPANT"),
			},
			input:     "+AbC",
			want:      Resolved{Raw: "+AbC", Peer: model.Peer{Address: 999}},
			wantCalls: []string{"import:AbC", "check:AbC"},
			wantKey:   "c/999",
		},
		{
			name:      "invalid invite degrades",
			dir:       &fakeDirectory{importErr: errors.New("INVITE_HASH_INVALID")},
			input:     "+nope",
			want:      Resolved{Raw: "+nope"},
			wantCalls: []string{"import:nope", "check:nope"},
			wantKey:   "+nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.dir, discardLogger())
			got := r.Resolve(context.Background(), tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCalls, tt.dir.calls); diff != "" {
				t.Errorf("directory calls mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantKey, got.Key()); diff != "" {
				t.Errorf("Key mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
