// Package budget fits multi-source context fragments into a hard character
// budget with priorities and per-type caps before they are injected into a
// chat prompt.
package budget

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// TYPES
// =============================================================================

// InjectionType classifies a context fragment's origin. The values match the
// keys of config.BudgetConfig.TypeLimits.
type InjectionType string

const (
	TypeRag          InjectionType = "rag"
	TypeMemory       InjectionType = "memory"
	TypeWebSearch    InjectionType = "web_search"
	TypeContext      InjectionType = "context"
	TypeSystemPrompt InjectionType = "system_prompt"
	TypeUserInput    InjectionType = "user_input"
	TypeToolResults  InjectionType = "tool_results"
)

// Priority orders items for allocation. Lower value means more important;
// Critical items are placed first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityOptional
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "optional"
	}
}

// InjectionItem is one candidate context fragment.
type InjectionItem struct {
	Type     InjectionType
	Content  string
	Priority Priority
	Source   string
	Metadata map[string]string
}

// AllocationResult reports what was admitted, truncated, and dropped.
type AllocationResult struct {
	Selected        []InjectionItem
	TotalCharsUsed  int
	BudgetRemaining int
	ItemsDropped    []InjectionItem
	StatsByType     map[InjectionType]int
	Warnings        []string
}

// minTruncationRoom is the smallest per-type headroom worth truncating into;
// below it the item is dropped instead.
const minTruncationRoom = 100

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocate fits items into the configured budget. Items are processed in
// priority order (Critical first; ties keep input order). An item that would
// overflow its type cap is truncated at a semantic boundary when smart
// truncation is enabled, the item's priority is Medium or better, and at
// least minTruncationRoom characters remain; otherwise it is dropped.
// Dropped Critical items always produce a warning.
func Allocate(cfg config.BudgetConfig, items []InjectionItem) AllocationResult {
	available := cfg.TotalBudget - cfg.ReservedUserInput - cfg.ReservedSystem
	if available < 0 {
		available = 0
	}

	ordered := make([]InjectionItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	res := AllocationResult{
		StatsByType: make(map[InjectionType]int),
	}

	for _, item := range ordered {
		content := item.Content
		size := len([]rune(content))

		// Per-type cap first: over-cap items may be truncated into the
		// remaining type headroom.
		if limit, ok := cfg.TypeLimits[string(item.Type)]; ok {
			typeRoom := limit - res.StatsByType[item.Type]
			if size > typeRoom {
				if !cfg.EnableSmartTruncation || item.Priority > PriorityMedium || typeRoom < minTruncationRoom {
					res.drop(item, size, typeRoom)
					continue
				}
				content = truncateAt(content, typeRoom)
				kept := len([]rune(content))
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s item from %s truncated from %d to %d chars", item.Type, item.Source, size, kept))
				logging.ChatDebug("budget: truncated %s/%s %d -> %d chars", item.Type, item.Source, size, kept)
				size = kept
			}
		}

		// Total budget second: overflow here always drops.
		totalRoom := available - res.TotalCharsUsed
		if size > totalRoom {
			res.drop(item, size, totalRoom)
			continue
		}

		selected := item
		selected.Content = content
		res.Selected = append(res.Selected, selected)
		res.TotalCharsUsed += size
		res.StatsByType[item.Type] += size
	}

	res.BudgetRemaining = available - res.TotalCharsUsed
	return res
}

func (r *AllocationResult) drop(item InjectionItem, size, room int) {
	r.ItemsDropped = append(r.ItemsDropped, item)
	if item.Priority == PriorityCritical {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("critical %s item from %s dropped (%d chars, %d available)", item.Type, item.Source, size, room))
		logging.ChatWarn("budget: dropped critical %s item from %s", item.Type, item.Source)
	}
}

// truncateAt cuts content to at most limit runes, preferring the last
// sentence terminator inside the window, then the last whitespace, then a
// hard rune cut.
func truncateAt(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	window := runes[:limit]

	if idx := lastSentenceEnd(window); idx >= 0 {
		return string(window[:idx+1])
	}
	if idx := lastSpace(window); idx > 0 {
		return strings.TrimRight(string(window[:idx]), " \t")
	}
	return string(window)
}

var sentenceEnders = map[rune]bool{
	'。': true, '！': true, '？': true,
	'.': true, '!': true, '?': true,
	'；': true, ';': true, '\n': true,
}

func lastSentenceEnd(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if sentenceEnders[runes[i]] {
			return i
		}
	}
	return -1
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
