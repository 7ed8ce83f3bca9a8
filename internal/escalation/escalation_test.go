package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/ambient/internal/analyzer"
	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	route    Route
	err      error
}

func (f *fakeSender) Deliver(_ context.Context, message string) (Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	if f.route == "" {
		return RouteGateway, f.err
	}
	return f.route, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func activeWindow(now time.Time, audio ...string) window.Window {
	w := window.Window{Preset: window.Balanced, MaxAge: 5 * time.Minute, BuiltAt: now}
	for _, text := range audio {
		w.Audio = append(w.Audio, buffer.FeedItem{Text: text, Source: buffer.SourceAudio, Timestamp: now})
	}
	w.Screen = []buffer.SenseEvent{{Type: buffer.SenseText, Timestamp: now, OCR: "Quarterly planning notes", App: buffer.AppMeta{Name: "Notes"}}}
	w.CurrentApp = "Notes"
	w.AppTransitions = []string{"Notes"}
	return w
}

func entry(id, digest string) scheduler.Entry {
	return scheduler.Entry{ID: id, Digest: digest, HUD: digest, ParsedOK: true}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		entry   scheduler.Entry
		window  window.Window
		want    int
		trigger Trigger
	}{
		{"error in digest", entry("1", "Test run fails with TypeError in parser"), activeWindow(t0), 3, TriggerError},
		{"question in audio", entry("2", "Reading the release notes"), activeWindow(t0, "how do I rebase this branch"), 2, TriggerQuestion},
		{"error and question", entry("3", "Build shows TypeError in parser"), activeWindow(t0, "how do I fix this"), 5, TriggerError},
		{"nothing", entry("4", "Reading the release notes"), activeWindow(t0, "sounds good"), 0, ""},
		{"model request", scheduler.Entry{ID: "5", Digest: "Stuck on config", Commands: []analyzer.Command{{Kind: "escalate", Text: "user looks stuck"}}}, activeWindow(t0), 3, TriggerModel},
		{"code smell in ocr", entry("6", "Editing the handler"), func() window.Window {
			w := activeWindow(t0)
			w.Screen[0].OCR = "// TODO: handle retries"
			return w
		}(), 1, TriggerCodeSmell},
		{"app churn", entry("7", "Switching between tools"), func() window.Window {
			w := activeWindow(t0)
			w.AppTransitions = []string{"Code", "Safari", "Slack", "Code", "Terminal"}
			return w
		}(), 1, TriggerAppChurn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Evaluate(tt.entry, tt.window)
			if s.Total != tt.want {
				t.Errorf("score = %d (%v), want %d", s.Total, s.Reasons(), tt.want)
			}
			if got := s.Primary(); got != tt.trigger {
				t.Errorf("primary = %q, want %q", got, tt.trigger)
			}
		})
	}
}

func newRouter(t *testing.T, s Settings) (*Router, *fakeSender, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0)
	sender := &fakeSender{}
	r := New(s, Options{Clock: clk, Sender: sender})
	t.Cleanup(r.Close)
	return r, sender, clk
}

func selective() Settings {
	return Settings{Mode: ModeSelective, Cooldown: time.Minute, StaleAfter: 10 * time.Minute, Threshold: 3}
}

func TestRouter_SelectiveThreshold(t *testing.T) {
	tests := []struct {
		name   string
		digest string
		audio  []string
		want   bool
	}{
		{"error escalates", "Console shows TypeError: cannot read properties", nil, true},
		{"question alone does not", "Reading the docs", []string{"how do I configure this"}, false},
		{"both escalate", "Console shows TypeError again", []string{"how do I fix this"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sender, _ := newRouter(t, selective())
			r.Observe(context.Background(), entry("e", tt.digest), activeWindow(t0, tt.audio...))
			r.Wait()

			if got := sender.count() == 1; got != tt.want {
				t.Errorf("escalated = %v, want %v", got, tt.want)
			}
			st := r.Status()
			if !tt.want && st.Last.Gate != GateBelowThreshold {
				t.Errorf("gate = %q, want below-threshold", st.Last.Gate)
			}
		})
	}
}

func TestRouter_CooldownAllowsOne(t *testing.T) {
	r, sender, clk := newRouter(t, selective())

	r.Observe(context.Background(), entry("a", "TypeError in checkout"), activeWindow(clk.Now()))
	clk.Advance(10 * time.Second)
	r.Observe(context.Background(), entry("b", "ReferenceError in cart"), activeWindow(clk.Now()))
	r.Wait()

	if n := sender.count(); n != 1 {
		t.Fatalf("escalations within cooldown = %d, want 1", n)
	}
	if st := r.Status(); st.Last.Gate != GateCooldown {
		t.Errorf("second decision gate = %q, want cooldown", st.Last.Gate)
	}

	clk.Advance(time.Minute)
	r.Observe(context.Background(), entry("c", "SyntaxError in cart"), activeWindow(clk.Now()))
	r.Wait()
	if n := sender.count(); n != 2 {
		t.Errorf("escalations after cooldown = %d, want 2", n)
	}
}

func TestRouter_DuplicateDigest(t *testing.T) {
	s := selective()
	s.Cooldown = 0
	r, sender, clk := newRouter(t, s)

	r.Observe(context.Background(), entry("a", "TypeError in checkout"), activeWindow(clk.Now()))
	clk.Advance(time.Second)
	d, _ := r.Decide(entry("b", "TypeError in checkout"), activeWindow(clk.Now()))
	r.Wait()

	if d.Escalate || d.Gate != GateDuplicate {
		t.Errorf("decision = %+v, want duplicate gate", d)
	}
	if sender.count() != 1 {
		t.Errorf("sent %d, want 1", sender.count())
	}
}

func TestRouter_StaleOverride(t *testing.T) {
	r, _, clk := newRouter(t, selective())

	clk.Advance(11 * time.Minute)
	d, msg := r.Decide(entry("a", "Reviewing a pull request"), activeWindow(clk.Now()))
	if !d.Escalate || d.Trigger != TriggerStale {
		t.Fatalf("decision = %+v, want stale escalation", d)
	}
	if !strings.Contains(msg, "Do not describe idleness") {
		t.Errorf("stale message lacks idleness instruction:\n%s", msg)
	}

	// Only one proactive escalation per stale period.
	clk.Advance(2 * time.Minute)
	d, _ = r.Decide(entry("b", "Still reviewing the pull request"), activeWindow(clk.Now()))
	if d.Escalate {
		t.Errorf("second stale escalation fired: %+v", d)
	}
}

func TestRouter_StaleNeedsActivity(t *testing.T) {
	r, _, clk := newRouter(t, selective())
	clk.Advance(11 * time.Minute)

	idle := window.Window{Preset: window.Balanced, MaxAge: 5 * time.Minute, Freshness: 5 * time.Minute, BuiltAt: clk.Now()}
	d, _ := r.Decide(entry("a", "Nothing new"), idle)
	if d.Escalate {
		t.Errorf("stale override fired on an idle window: %+v", d)
	}
}

func TestRouter_ModeOffAndFocus(t *testing.T) {
	r, sender, clk := newRouter(t, Settings{Mode: ModeOff})
	r.Observe(context.Background(), entry("a", "TypeError everywhere"), activeWindow(clk.Now()))
	r.Wait()
	if sender.count() != 0 || r.Status().Last.Gate != GateOff {
		t.Errorf("mode off escalated: %+v", r.Status())
	}

	r.Reconfigure(Settings{Mode: ModeFocus, Cooldown: time.Minute})
	d, msg := r.Decide(entry("b", "Reading the design doc"), activeWindow(clk.Now()))
	if !d.Escalate || d.Trigger != TriggerActivity {
		t.Errorf("focus decision = %+v", d)
	}
	if !strings.Contains(msg, "Reading the design doc") {
		t.Errorf("message missing digest:\n%s", msg)
	}
}

func TestRouter_PublishesDeliveryOutcome(t *testing.T) {
	clk := clock.Fake(t0)
	b := bus.NewMessageBus(4)
	sender := &fakeSender{err: errors.New("agent offline"), route: RouteHooks}
	r := New(selective(), Options{Clock: clk, Bus: b, Sender: sender})
	defer r.Close()

	r.Observe(context.Background(), entry("a", "panic: nil map write"), activeWindow(clk.Now()))
	r.Wait()

	select {
	case ev := <-b.Events:
		if ev.Kind != bus.KindEscalation || ev.Escalation.Route != "hooks" || ev.Escalation.Err == "" {
			t.Errorf("event = %+v / %+v", ev, ev.Escalation)
		}
	default:
		t.Fatal("no escalation event published")
	}
	if st := r.Status(); st.Failures != 1 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestRouter_NoSender(t *testing.T) {
	clk := clock.Fake(t0)
	r := New(selective(), Options{Clock: clk})
	defer r.Close()

	r.Observe(context.Background(), entry("a", "FATAL: disk full"), activeWindow(clk.Now()))
	r.Wait()
	if st := r.Status(); st.Escalations != 1 || st.Failures != 1 {
		t.Errorf("status = %+v", st)
	}
}
