// Package planner decides how an inbound message should be handled
// before any model call is made. Build is a pure function over a config
// snapshot and the message; it performs no I/O and holds no state, so
// identical inputs always produce identical plans.
package planner

import "strings"

// ReplyMode selects the execution path for a turn.
type ReplyMode string

const (
	ReplyDirect   ReplyMode = "direct"    // single backend call, no tools
	ReplyToolLoop ReplyMode = "tool_loop" // multi-round tool-calling loop
)

// MediaNeed describes how image attachments should be presented.
type MediaNeed string

const (
	MediaNone    MediaNeed = "none"
	MediaCaption MediaNeed = "caption" // text captions already in the prompt
	MediaImages  MediaNeed = "images"  // raw image parts go to the backend
)

// Block markers recognized inside an explicit system injection. Their
// presence means the equivalent enrichment already happened upstream.
const (
	MarkerImageCaptions   = "[Image Captions]"
	MarkerRetrievedMemory = "[Retrieved Memory]"
	MarkerLongTermMemory  = "[Long-Term Memory]"
	MarkerKnowledge       = "[Knowledge]"
)

// ToolPolicy is the tool surface a single turn is allowed to use.
type ToolPolicy struct {
	Enabled bool     `json:"enabled"`
	Allow   []string `json:"allow,omitempty"`
}

// Plan is an immutable per-turn decision record.
type Plan struct {
	ShouldReply            bool       `json:"should_reply"`
	ReplyMode              ReplyMode  `json:"reply_mode"`
	NeedMedia              MediaNeed  `json:"need_media"`
	UseMemoryRetrieval     bool       `json:"use_memory_retrieval"`
	UseLTMMemory           bool       `json:"use_ltm_memory"`
	UseKnowledgeAutoInject bool       `json:"use_knowledge_auto_inject"`
	ToolPolicy             ToolPolicy `json:"tool_policy"`
	Reason                 string     `json:"reason,omitempty"`
	Confidence             float64    `json:"confidence"`
}

// Snapshot is the configuration and registry state the planner reads.
// EffectiveAllow is resolved by the caller (registry allow-list against
// config) so the planner itself never touches the registry.
type Snapshot struct {
	ToolsEnabled           bool
	EffectiveAllow         []string
	MemoryRetrievalEnabled bool
	LTMEnabled             bool
	KnowledgeAutoInject    bool
	DefaultMedia           MediaNeed
}

// Input is the inbound message as the planner sees it.
type Input struct {
	Text            string
	ImageCount      int
	IsGroup         bool
	Mentioned       bool // bot addressed directly in a group chat
	SystemInjection string
}

// Build produces the plan for one turn.
func Build(cfg Snapshot, in Input) Plan {
	plan := Plan{
		ReplyMode:  ReplyDirect,
		NeedMedia:  cfg.DefaultMedia,
		Confidence: 1.0,
	}
	if plan.NeedMedia == "" {
		plan.NeedMedia = MediaNone
	}

	// Reply gate: group messages need an explicit mention; anything with
	// neither text nor images carries nothing to answer.
	switch {
	case in.Text == "" && in.ImageCount == 0:
		plan.Reason = "empty message"
		return plan
	case in.IsGroup && !in.Mentioned:
		plan.Reason = "group message without mention"
		return plan
	}
	plan.ShouldReply = true

	// Attached images always win over the configured default. Without
	// attachments, a caption block already injected upstream means the
	// backend only needs text.
	if in.ImageCount > 0 {
		plan.NeedMedia = MediaImages
	} else if strings.Contains(in.SystemInjection, MarkerImageCaptions) {
		plan.NeedMedia = MediaCaption
	}

	if cfg.ToolsEnabled && len(cfg.EffectiveAllow) > 0 {
		plan.ReplyMode = ReplyToolLoop
		plan.ToolPolicy = ToolPolicy{
			Enabled: true,
			Allow:   append([]string(nil), cfg.EffectiveAllow...),
		}
	}

	plan.UseMemoryRetrieval = cfg.MemoryRetrievalEnabled && cfg.ToolsEnabled

	// Static injections are redundant when retrieval runs this turn or
	// when the injection already carries the block.
	plan.UseLTMMemory = cfg.LTMEnabled &&
		!plan.UseMemoryRetrieval &&
		!strings.Contains(in.SystemInjection, MarkerLongTermMemory) &&
		!strings.Contains(in.SystemInjection, MarkerRetrievedMemory)
	plan.UseKnowledgeAutoInject = cfg.KnowledgeAutoInject &&
		!plan.UseMemoryRetrieval &&
		!strings.Contains(in.SystemInjection, MarkerKnowledge)

	plan.Reason = describe(plan)
	return plan
}

func describe(p Plan) string {
	if !p.ShouldReply {
		return "suppressed"
	}
	if p.ReplyMode == ReplyToolLoop {
		return "reply with tools"
	}
	return "direct reply"
}
