package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each table path ("" for the root, "tenant.drive" for a
// tenant's drives) to the keys valid inside it, derived from the toml tags
// of the corresponding struct.
var knownKeys = map[string][]string{
	"":             tomlKeys(Config{}),
	"server":       tomlKeys(ServerConfig{}),
	"storage":      tomlKeys(StorageConfig{}),
	"transit":      tomlKeys(TransitConfig{}),
	"quarantine":   tomlKeys(QuarantineConfig{}),
	"logging":      tomlKeys(LoggingConfig{}),
	"network":      tomlKeys(NetworkConfig{}),
	"tenant":       tomlKeys(TenantConfig{}),
	"tenant.drive": tomlKeys(DriveConfig{}),
}

func tomlKeys(v any) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())

	for i := range t.NumField() {
		if tag := t.Field(i).Tag.Get("toml"); tag != "" {
			keys = append(keys, strings.SplitN(tag, ",", 2)[0])
		}
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		table, field, ok := splitUndecoded(key)
		if !ok || seen[table+"."+field] {
			continue
		}

		seen[table+"."+field] = true
		errs = append(errs, unknownKeyError(table, field))
	}

	return errors.Join(errs...)
}

// splitUndecoded maps an undecoded key to the innermost known table and the
// first unknown component under it. Keys nested below an already unknown
// key are folded into their parent.
func splitUndecoded(key toml.Key) (string, string, bool) {
	table := ""

	for _, part := range key {
		next := part
		if table != "" {
			next = table + "." + part
		}

		if _, ok := knownKeys[next]; ok {
			table = next
			continue
		}

		return table, part, true
	}

	return "", "", false
}

func unknownKeyError(table, field string) error {
	where := ""
	if table != "" {
		where = fmt.Sprintf(" in [%s]", table)
	}

	if suggestion := closestMatch(field, knownKeys[table]); suggestion != "" {
		return fmt.Errorf("unknown config key %q%s, did you mean %q?", field, where, suggestion)
	}

	return fmt.Errorf("unknown config key %q%s", field, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings with a
// two-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
