package service

import (
	"strings"

	"github.com/ignatij/trojanwalker/pkg/models"
)

const DefaultClassificationKey = "attack_matches"

var namespacePrefixes = []string{"sym.", "fcn.", "sub.", "loc.", "imp.", "obj.", "dbg."}

// entryPoints are well-known program and library entry symbols, lower case.
var entryPoints = map[string]struct{}{
	"main":               {},
	"_main":              {},
	"wmain":              {},
	"_wmain":             {},
	"start":              {},
	"_start":             {},
	"__start":            {},
	"entry":              {},
	"entry0":             {},
	"winmain":            {},
	"wwinmain":           {},
	"_winmain@16":        {},
	"dllmain":            {},
	"_dllmain@12":        {},
	"dllentrypoint":      {},
	"_dllmaincrtstartup": {},
	"maincrtstartup":     {},
	"wmaincrtstartup":    {},
	"winmaincrtstartup":  {},
	"wwinmaincrtstartup": {},
	"__libc_start_main":  {},
	"_init":              {},
	"init":               {},
	"tlscallback_0":      {},
}

// IsAutoNamed reports whether the unit name was assigned by the backend
// rather than recovered from symbols. Units with no name at all are
// requested by hex offset and count as auto-named too.
func IsAutoNamed(name string) bool {
	return strings.HasPrefix(name, "fcn.") || isOffset(name)
}

func isOffset(name string) bool {
	digits, ok := strings.CutPrefix(name, "0x")
	if !ok || digits == "" {
		return false
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// IsEntryPoint reports whether name, without namespace prefixes, is a known
// entry symbol.
func IsEntryPoint(name string) bool {
	_, ok := entryPoints[baseName(name)]
	return ok
}

func baseName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range namespacePrefixes {
			if strings.HasPrefix(name, prefix) {
				name = strings.TrimPrefix(name, prefix)
				stripped = true
			}
		}
	}
	return strings.TrimRight(name, ".")
}

// SelectUnits keeps auto-named units and entry points, preserving order.
func SelectUnits(units []models.DecompiledUnit) []models.DecompiledUnit {
	selected := []models.DecompiledUnit{}
	for _, u := range units {
		if IsAutoNamed(u.Name) || IsEntryPoint(u.Name) {
			selected = append(selected, u)
		}
	}
	return selected
}

// FilterActionable keeps successful analyses with at least one non-empty
// classification under key, preserving order.
func FilterActionable(analyses []models.UnitAnalysis, key string) []models.UnitAnalysis {
	if key == "" {
		key = DefaultClassificationKey
	}
	kept := []models.UnitAnalysis{}
	for _, a := range analyses {
		success, ok := a.Result.(models.UnitSuccess)
		if !ok {
			continue
		}
		if HasClassification(success.Findings, key) {
			kept = append(kept, a)
		}
	}
	return kept
}

// HasClassification reports whether findings[key] is a list holding a
// non-empty element.
func HasClassification(findings map[string]any, key string) bool {
	list, ok := findings[key].([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if !isEmptyValue(item) {
			return true
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
