package planner

import (
	"reflect"
	"testing"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		ToolsEnabled:           true,
		EffectiveAllow:         []string{"web_search", "history_search"},
		MemoryRetrievalEnabled: false,
		LTMEnabled:             true,
		KnowledgeAutoInject:    true,
		DefaultMedia:           MediaCaption,
	}
}

func TestBuildIsPure(t *testing.T) {
	cfg := baseSnapshot()
	in := Input{Text: "what is the weather", ImageCount: 1, SystemInjection: "[Knowledge]\nstuff"}

	first := Build(cfg, in)
	second := Build(cfg, in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs produced different plans:\n%+v\n%+v", first, second)
	}
}

func TestBuildReplyGate(t *testing.T) {
	cfg := baseSnapshot()

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"empty message", Input{}, false},
		{"group without mention", Input{Text: "hi", IsGroup: true}, false},
		{"group with mention", Input{Text: "hi", IsGroup: true, Mentioned: true}, true},
		{"private message", Input{Text: "hi"}, true},
		{"image only", Input{ImageCount: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Build(cfg, tt.in).ShouldReply; got != tt.want {
				t.Errorf("ShouldReply = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildImagesForceMedia(t *testing.T) {
	cfg := baseSnapshot()
	cfg.DefaultMedia = MediaNone

	plan := Build(cfg, Input{Text: "look", ImageCount: 2})
	if plan.NeedMedia != MediaImages {
		t.Errorf("NeedMedia = %q, want %q", plan.NeedMedia, MediaImages)
	}
}

func TestBuildCaptionMarkerWins(t *testing.T) {
	cfg := baseSnapshot()
	cfg.DefaultMedia = MediaNone

	plan := Build(cfg, Input{Text: "look", SystemInjection: "[Image Captions]\na cat"})
	if plan.NeedMedia != MediaCaption {
		t.Errorf("NeedMedia = %q, want %q", plan.NeedMedia, MediaCaption)
	}
}

func TestBuildToolLoopRequiresAllowlist(t *testing.T) {
	cfg := baseSnapshot()
	in := Input{Text: "search something"}

	plan := Build(cfg, in)
	if plan.ReplyMode != ReplyToolLoop {
		t.Errorf("ReplyMode = %q, want %q", plan.ReplyMode, ReplyToolLoop)
	}
	if !plan.ToolPolicy.Enabled {
		t.Error("tool policy should be enabled")
	}

	cfg.EffectiveAllow = nil
	plan = Build(cfg, in)
	if plan.ReplyMode != ReplyDirect {
		t.Errorf("empty allow-list: ReplyMode = %q, want %q", plan.ReplyMode, ReplyDirect)
	}

	cfg = baseSnapshot()
	cfg.ToolsEnabled = false
	plan = Build(cfg, in)
	if plan.ReplyMode != ReplyDirect {
		t.Errorf("tools disabled: ReplyMode = %q, want %q", plan.ReplyMode, ReplyDirect)
	}
}

func TestBuildRetrievalSuppressesStaticInjections(t *testing.T) {
	cfg := baseSnapshot()
	cfg.MemoryRetrievalEnabled = true
	in := Input{Text: "remember that thing?"}

	plan := Build(cfg, in)
	if !plan.UseMemoryRetrieval {
		t.Error("retrieval should be on")
	}
	if plan.UseLTMMemory {
		t.Error("LTM injection should be suppressed while retrieval runs")
	}
	if plan.UseKnowledgeAutoInject {
		t.Error("knowledge injection should be suppressed while retrieval runs")
	}
}

func TestBuildRetrievalNeedsTools(t *testing.T) {
	cfg := baseSnapshot()
	cfg.MemoryRetrievalEnabled = true
	cfg.ToolsEnabled = false

	plan := Build(cfg, Input{Text: "hi"})
	if plan.UseMemoryRetrieval {
		t.Error("retrieval requires tools enabled")
	}
}

func TestBuildMarkerSuppression(t *testing.T) {
	cfg := baseSnapshot()

	plan := Build(cfg, Input{Text: "hi", SystemInjection: "[Long-Term Memory]\nfacts here"})
	if plan.UseLTMMemory {
		t.Error("LTM injection should be suppressed by existing block")
	}

	plan = Build(cfg, Input{Text: "hi", SystemInjection: "[Knowledge]\ndocs"})
	if plan.UseKnowledgeAutoInject {
		t.Error("knowledge injection should be suppressed by existing block")
	}

	plan = Build(cfg, Input{Text: "hi"})
	if !plan.UseLTMMemory || !plan.UseKnowledgeAutoInject {
		t.Error("no markers present, both injections should be on")
	}
}

func TestBuildDoesNotAliasSnapshot(t *testing.T) {
	cfg := baseSnapshot()
	plan := Build(cfg, Input{Text: "hi"})

	cfg.EffectiveAllow[0] = "mutated"
	if plan.ToolPolicy.Allow[0] == "mutated" {
		t.Error("plan aliases the snapshot allow-list")
	}
}
