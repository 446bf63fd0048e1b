package reaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatops-agent/internal/chat/chattest"
	"chatops-agent/internal/guard"
	"chatops-agent/internal/hooks"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/modules/audit"
	"chatops-agent/internal/storage"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const selfID = "agent"

type fakeHandler struct {
	transport *chattest.Transport
	calls     []string
	err       error
}

func (h *fakeHandler) note(name string) error {
	h.calls = append(h.calls, name)
	h.transport.Calls = append(h.transport.Calls, chattest.Call{Op: "action:" + name})
	return h.err
}

func (h *fakeHandler) Restart(context.Context, Event) error       { return h.note("restart") }
func (h *fakeHandler) ChangeDNS(context.Context, Event) error     { return h.note("change_dns") }
func (h *fakeHandler) RunPayload(context.Context, Event) error    { return h.note("run_payload") }
func (h *fakeHandler) SendAgentLogs(context.Context, Event) error { return h.note("send_agent_logs") }
func (h *fakeHandler) Destroy(context.Context, Event) error       { return h.note("destroy") }

type fixture struct {
	router    *Router
	handler   *fakeHandler
	transport *chattest.Transport
	store     *storage.Store
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	transport := &chattest.Transport{}
	handler := &fakeHandler{transport: transport}
	router := NewRouter(handler, transport, store, logsink.Wrap(zap.New(core)), audit.NewLogger(store, zap.NewNop()))
	router.SetSelf(selfID)
	return &fixture{router: router, handler: handler, transport: transport, store: store, logs: logs}
}

func (f *fixture) postMenu(t *testing.T) string {
	t.Helper()
	id, err := f.router.PostMenu(context.Background(), "g1", "act", guard.Principal{ID: "u1", Administrator: true})
	if err != nil {
		t.Fatalf("post menu: %v", err)
	}
	f.transport.Calls = nil
	return id
}

var admin = guard.Principal{ID: "u1", Name: "ada#0001", Administrator: true}

func TestPostMenuSeedsGlyphs(t *testing.T) {
	f := newFixture(t)
	id, err := f.router.PostMenu(context.Background(), "g1", "act", admin)
	if err != nil {
		t.Fatalf("post menu: %v", err)
	}
	if got := f.transport.Messages("act"); len(got) != 1 || !strings.Contains(got[0], GlyphDestroy) {
		t.Fatalf("unexpected menu %v", got)
	}
	if f.transport.Count("react") != 5 {
		t.Fatalf("expected every glyph seeded, got %v", f.transport.Ops())
	}
	if _, ok, _ := f.store.GetMenu(context.Background(), id); !ok {
		t.Fatalf("menu must be recorded as authorized origin")
	}
}

func TestHandleAcknowledgesBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)

	handled := f.router.Handle(context.Background(), Event{GuildID: "g1", ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: GlyphDestroy, Principal: admin})
	if !handled {
		t.Fatalf("expected menu reaction handled")
	}
	ops := f.transport.Ops()
	want := []string{"clear_reactions", "edit", "action:destroy"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", ops, want)
	}
	if f.transport.Calls[1].Arg != AckGlyph {
		t.Fatalf("expected ack glyph edit, got %q", f.transport.Calls[1].Arg)
	}
	if _, ok, _ := f.store.GetMenu(context.Background(), id); ok {
		t.Fatalf("menu must be consumed")
	}
}

func TestHandleEveryGlyph(t *testing.T) {
	for _, item := range menu {
		f := newFixture(t)
		id := f.postMenu(t)
		f.router.Handle(context.Background(), Event{ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: item.glyph, Principal: admin})
		if len(f.handler.calls) != 1 || f.handler.calls[0] != string(item.action) {
			t.Fatalf("%s: got %v", item.glyph, f.handler.calls)
		}
	}
}

func TestHandleIgnoresForeignMessages(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)

	for _, ev := range []Event{
		{ChannelID: "act", MessageID: id, MessageAuthorID: "someone", Emoji: GlyphDestroy, Principal: admin},
		{ChannelID: "act", MessageID: "unregistered", MessageAuthorID: selfID, Emoji: GlyphRestart, Principal: admin},
		{ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: GlyphDestroy, Principal: guard.Principal{ID: selfID}},
	} {
		if f.router.Handle(context.Background(), ev) {
			t.Fatalf("event %+v must be ignored", ev)
		}
	}
	if len(f.handler.calls) != 0 || len(f.transport.Calls) != 0 {
		t.Fatalf("ignored reactions must have no side effect: %v", f.transport.Ops())
	}
}

func TestHandleBeforeReadyIgnored(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)
	f.router.SetSelf("")
	if f.router.Handle(context.Background(), Event{MessageID: id, MessageAuthorID: "", Emoji: GlyphDestroy, Principal: admin}) {
		t.Fatalf("reactions before ready must be ignored")
	}
}

func TestHandleDeniesMembers(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)
	member := guard.Principal{ID: "u2", Name: "bob#0002"}

	for _, glyph := range []string{GlyphDestroy, GlyphRestart, GlyphChangeDNS} {
		f.router.Handle(context.Background(), Event{ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: glyph, Principal: member})
	}
	if len(f.handler.calls) != 0 {
		t.Fatalf("unauthorized reaction triggered %v", f.handler.calls)
	}
	if f.transport.Count("clear_reactions") != 0 || f.transport.Count("edit") != 0 {
		t.Fatalf("denied reactions must not touch the menu")
	}
	if got := f.transport.Messages("act"); len(got) != 3 || got[0] != DeniedText {
		t.Fatalf("expected visible denials, got %v", got)
	}
	if f.logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 3 {
		t.Fatalf("expected an error log per denial")
	}
	if _, ok, _ := f.store.GetMenu(context.Background(), id); !ok {
		t.Fatalf("menu must stay usable after a denial")
	}
}

func TestHandleUnknownGlyph(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)
	if !f.router.Handle(context.Background(), Event{ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: "👍", Principal: admin}) {
		t.Fatalf("expected handled")
	}
	if len(f.handler.calls) != 0 {
		t.Fatalf("unknown glyph dispatched %v", f.handler.calls)
	}
	if f.transport.Count("edit") != 1 {
		t.Fatalf("any reaction on a live menu is acknowledged")
	}
}

func TestHandleRecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.handler.err = hooks.ErrDisabled
	id := f.postMenu(t)
	f.router.Handle(context.Background(), Event{GuildID: "g1", ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: GlyphChangeDNS, Principal: admin})

	f.handler.err = errors.New("exec failed")
	id = f.postMenu(t)
	f.router.Handle(context.Background(), Event{GuildID: "g1", ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: GlyphRestart, Principal: admin})

	events, err := f.store.ListActionEvents(context.Background(), "g1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	outcomes := map[string]int{}
	for _, event := range events {
		outcomes[event.Outcome]++
	}
	if outcomes[audit.OutcomeDisabled] != 1 || outcomes[audit.OutcomeFailed] != 1 || outcomes[audit.OutcomeAllowed] != 2 {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestMenuTextListsActions(t *testing.T) {
	text := MenuText()
	for _, item := range menu {
		if !strings.Contains(text, item.glyph) {
			t.Fatalf("menu text missing %s", item.glyph)
		}
		if action, ok := ActionFor(item.glyph); !ok || action != item.action {
			t.Fatalf("glyph %s maps to %v", item.glyph, action)
		}
	}
}

func TestAuditRowsShareMenuToken(t *testing.T) {
	f := newFixture(t)
	id := f.postMenu(t)
	menuRecord, ok, err := f.store.GetMenu(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("menu not recorded: %v", err)
	}
	f.router.Handle(context.Background(), Event{GuildID: "g1", ChannelID: "act", MessageID: id, MessageAuthorID: selfID, Emoji: GlyphSendAgentLogs, Principal: admin})

	events, err := f.store.ListActionEvents(context.Background(), "g1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	byOutcome := map[string]string{}
	for _, event := range events {
		byOutcome[event.Outcome] = event.MenuToken
	}
	if byOutcome[audit.OutcomePosted] != menuRecord.Token || byOutcome[audit.OutcomeAllowed] != menuRecord.Token {
		t.Fatalf("expected posted and allowed rows to carry token %s, got %v", menuRecord.Token, byOutcome)
	}
}
