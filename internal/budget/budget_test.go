package budget

import (
	"strings"
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/config"
)

func smallConfig() config.BudgetConfig {
	return config.BudgetConfig{
		TotalBudget:       1000,
		ReservedUserInput: 200,
		ReservedSystem:    100,
		TypeLimits: map[string]int{
			"rag":    500,
			"memory": 4000,
		},
		EnableSmartTruncation: true,
	}
}

func TestOverCapacityRagTruncatedThenMemoryDropped(t *testing.T) {
	items := []InjectionItem{
		{Type: TypeRag, Content: strings.Repeat("a", 800), Priority: PriorityHigh, Source: "rag-1"},
		{Type: TypeMemory, Content: strings.Repeat("b", 300), Priority: PriorityMedium, Source: "mem-1"},
	}
	res := Allocate(smallConfig(), items)

	if len(res.Selected) != 1 {
		t.Fatalf("selected %d items, want 1", len(res.Selected))
	}
	if res.Selected[0].Type != TypeRag {
		t.Errorf("selected type = %s, want rag", res.Selected[0].Type)
	}
	if got := len(res.Selected[0].Content); got != 500 {
		t.Errorf("rag truncated to %d chars, want 500", got)
	}
	if len(res.ItemsDropped) != 1 || res.ItemsDropped[0].Type != TypeMemory {
		t.Errorf("dropped = %+v, want the memory item", res.ItemsDropped)
	}
	if res.TotalCharsUsed != 500 {
		t.Errorf("total used = %d, want 500", res.TotalCharsUsed)
	}
	if res.BudgetRemaining != 200 {
		t.Errorf("remaining = %d, want 200", res.BudgetRemaining)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "truncated") {
		t.Errorf("warnings = %v, want a truncation note", res.Warnings)
	}
}

func TestTruncationDisabledDropsOverCapItem(t *testing.T) {
	cfg := smallConfig()
	cfg.EnableSmartTruncation = false
	items := []InjectionItem{
		{Type: TypeRag, Content: strings.Repeat("a", 800), Priority: PriorityHigh, Source: "rag-1"},
	}
	res := Allocate(cfg, items)
	if len(res.Selected) != 0 || len(res.ItemsDropped) != 1 {
		t.Fatalf("selected=%d dropped=%d, want 0/1", len(res.Selected), len(res.ItemsDropped))
	}
}

func TestLowPriorityNeverTruncated(t *testing.T) {
	items := []InjectionItem{
		{Type: TypeRag, Content: strings.Repeat("a", 800), Priority: PriorityLow, Source: "rag-low"},
	}
	res := Allocate(smallConfig(), items)
	if len(res.Selected) != 0 {
		t.Fatal("low-priority over-cap item should be dropped, not truncated")
	}
}

func TestTinyHeadroomDropsInsteadOfTruncating(t *testing.T) {
	cfg := smallConfig()
	cfg.TypeLimits["rag"] = 50 // below the 100-char truncation floor
	items := []InjectionItem{
		{Type: TypeRag, Content: strings.Repeat("a", 200), Priority: PriorityHigh, Source: "rag-1"},
	}
	res := Allocate(cfg, items)
	if len(res.Selected) != 0 {
		t.Fatal("item should be dropped when under 100 chars of headroom remain")
	}
}

func TestCriticalDropWarns(t *testing.T) {
	cfg := config.BudgetConfig{
		TotalBudget:       300,
		ReservedUserInput: 200,
		ReservedSystem:    100,
		TypeLimits:        map[string]int{},
	}
	items := []InjectionItem{
		{Type: TypeContext, Content: "essential context", Priority: PriorityCritical, Source: "sys"},
	}
	res := Allocate(cfg, items)
	if len(res.ItemsDropped) != 1 {
		t.Fatal("item should be dropped with zero available budget")
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "critical") {
		t.Errorf("warnings = %v, want a critical-drop warning", res.Warnings)
	}
}

func TestPriorityOrderBeatsInputOrder(t *testing.T) {
	cfg := config.BudgetConfig{
		TotalBudget:           700,
		ReservedUserInput:     200,
		ReservedSystem:        100, // available = 400
		TypeLimits:            map[string]int{},
		EnableSmartTruncation: false,
	}
	items := []InjectionItem{
		{Type: TypeMemory, Content: strings.Repeat("m", 300), Priority: PriorityOptional, Source: "opt"},
		{Type: TypeRag, Content: strings.Repeat("r", 300), Priority: PriorityCritical, Source: "crit"},
	}
	res := Allocate(cfg, items)
	if len(res.Selected) != 1 || res.Selected[0].Source != "crit" {
		t.Fatalf("selected = %+v, want only the critical item", res.Selected)
	}
}

func TestStableOrderWithinPriority(t *testing.T) {
	cfg := config.BudgetConfig{TotalBudget: 10000, TypeLimits: map[string]int{}}
	items := []InjectionItem{
		{Type: TypeRag, Content: "first", Priority: PriorityHigh, Source: "a"},
		{Type: TypeRag, Content: "second", Priority: PriorityHigh, Source: "b"},
	}
	res := Allocate(cfg, items)
	if len(res.Selected) != 2 || res.Selected[0].Source != "a" || res.Selected[1].Source != "b" {
		t.Errorf("selected order = %+v, want input order preserved", res.Selected)
	}
}

func TestTruncationPrefersSentenceBoundary(t *testing.T) {
	sentence := strings.Repeat("x", 400) + "。" + strings.Repeat("y", 300)
	items := []InjectionItem{
		{Type: TypeRag, Content: sentence, Priority: PriorityHigh, Source: "rag-1"},
	}
	res := Allocate(smallConfig(), items)
	if len(res.Selected) != 1 {
		t.Fatal("item should be truncated, not dropped")
	}
	got := res.Selected[0].Content
	if !strings.HasSuffix(got, "。") {
		t.Errorf("truncation should end at the sentence terminator, got tail %q", got[len(got)-3:])
	}
	if len([]rune(got)) != 401 {
		t.Errorf("kept %d runes, want 401", len([]rune(got)))
	}
}

func TestTruncationFallsBackToWordBoundary(t *testing.T) {
	content := strings.Repeat("word ", 200) // 1000 chars, no terminators
	items := []InjectionItem{
		{Type: TypeRag, Content: content, Priority: PriorityHigh, Source: "rag-1"},
	}
	res := Allocate(smallConfig(), items)
	if len(res.Selected) != 1 {
		t.Fatal("item should be truncated")
	}
	got := res.Selected[0].Content
	if strings.HasSuffix(got, " ") || !strings.HasSuffix(got, "word") {
		t.Errorf("truncation should end on a whole word, got tail %q", got[len(got)-6:])
	}
	if len([]rune(got)) > 500 {
		t.Errorf("kept %d runes, cap is 500", len([]rune(got)))
	}
}

func TestTruncationIsUTF8Safe(t *testing.T) {
	content := strings.Repeat("知", 800)
	items := []InjectionItem{
		{Type: TypeRag, Content: content, Priority: PriorityHigh, Source: "rag-1"},
	}
	res := Allocate(smallConfig(), items)
	if len(res.Selected) != 1 {
		t.Fatal("item should be truncated")
	}
	got := res.Selected[0].Content
	if len([]rune(got)) != 500 {
		t.Errorf("kept %d runes, want 500", len([]rune(got)))
	}
	for _, r := range got {
		if r != '知' {
			t.Fatalf("rune corrupted to %q", r)
		}
	}
}

func TestInvariantsHoldAcrossConfigs(t *testing.T) {
	configs := []config.BudgetConfig{
		config.DefaultBudgetConfig(),
		smallConfig(),
		{TotalBudget: 100, ReservedUserInput: 90, ReservedSystem: 50, TypeLimits: map[string]int{"rag": 10}},
	}
	itemSets := [][]InjectionItem{
		{
			{Type: TypeRag, Content: strings.Repeat("a", 10000), Priority: PriorityHigh},
			{Type: TypeMemory, Content: strings.Repeat("b", 5000), Priority: PriorityMedium},
			{Type: TypeWebSearch, Content: strings.Repeat("c", 7000), Priority: PriorityLow},
			{Type: TypeToolResults, Content: strings.Repeat("d", 6000), Priority: PriorityCritical},
		},
		{},
		{{Type: TypeContext, Content: "tiny", Priority: PriorityOptional}},
	}
	for ci, cfg := range configs {
		for si, items := range itemSets {
			res := Allocate(cfg, items)
			available := cfg.TotalBudget - cfg.ReservedUserInput - cfg.ReservedSystem
			if available < 0 {
				available = 0
			}
			if res.TotalCharsUsed > available {
				t.Errorf("cfg %d set %d: used %d > available %d", ci, si, res.TotalCharsUsed, available)
			}
			for typ, used := range res.StatsByType {
				if limit, ok := cfg.TypeLimits[string(typ)]; ok && used > limit {
					t.Errorf("cfg %d set %d: type %s used %d > cap %d", ci, si, typ, used, limit)
				}
			}
			if res.TotalCharsUsed+res.BudgetRemaining != available {
				t.Errorf("cfg %d set %d: used+remaining = %d, want %d",
					ci, si, res.TotalCharsUsed+res.BudgetRemaining, available)
			}
		}
	}
}
