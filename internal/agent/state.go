package agent

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/ragassist/agentmaster/internal/config"
)

// turnState is the accumulator threaded through one Chat call. It is
// never mutated in place; each executed call yields a new value.
type turnState struct {
	depth     int
	executed  []string // dedup keys, in execution order
	lastText  string   // most recent non-empty assistant text
	summaries []string // tool test blocks produced this turn
}

// has reports whether a call with this dedup key already ran.
func (s turnState) has(key string) bool {
	return slices.Contains(s.executed, key)
}

// after returns the state following an executed call.
func (s turnState) after(key, text, summary string) turnState {
	next := turnState{
		depth:     s.depth + 1,
		executed:  append(slices.Clip(s.executed), key),
		lastText:  s.lastText,
		summaries: slices.Clip(s.summaries),
	}
	if strings.TrimSpace(text) != "" {
		next.lastText = text
	}
	if summary != "" {
		next.summaries = append(next.summaries, summary)
	}
	return next
}

// step is what the loop does next.
type step int

const (
	stepCall       step = iota // model call with functions enabled
	stepWrapUp                 // functions enabled, system prompt asks to wrap up
	stepFinal                  // call limit reached: one text-only model call
	stepDepthLimit             // stop without calling the model
)

func (s step) String() string {
	switch s {
	case stepCall:
		return "call"
	case stepWrapUp:
		return "wrap_up"
	case stepFinal:
		return "final"
	case stepDepthLimit:
		return "depth_limit"
	}
	return "unknown"
}

// decide picks the next step from the turn state and limits.
func decide(s turnState, lim config.LoopConfig) step {
	switch {
	case s.depth >= lim.MaxDepth:
		return stepDepthLimit
	case len(s.executed) >= lim.MaxFunctionCalls:
		return stepFinal
	case lim.WrapUpAfter > 0 && len(s.executed) >= lim.WrapUpAfter:
		return stepWrapUp
	}
	return stepCall
}

// dedupKey identifies a function call by name and arguments. Arguments
// that parse as JSON are re-encoded so key order and whitespace do not
// matter.
func dedupKey(name, args string) string {
	return name + ":" + canonicalArgs(args)
}

func canonicalArgs(args string) string {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return trimmed
	}
	return strings.TrimSpace(buf.String())
}

// surfaceSummaries appends each tool test block the text does not
// already contain verbatim.
func surfaceSummaries(text string, summaries []string) string {
	for _, s := range summaries {
		if strings.Contains(text, s) {
			continue
		}
		if strings.TrimSpace(text) == "" {
			text = s
			continue
		}
		text = strings.TrimRight(text, "\n") + "\n\n" + s
	}
	return text
}
