package rules

// Rule-source loading for confidence modifiers.
//
// The rule source is a flat Prolog-style fact file consumed as data, never
// executed. Three functors are understood:
//
//	confidence_modifier(ship, harbor, 1.25).
//	category(small_vehicle, vehicle).
//	category_modifier(vehicle, infrastructure, 0.8).
//
// Category rules are expanded to concrete class pairs at load time. A
// concrete confidence_modifier fact always beats a category-derived weight
// for the same unordered pair; among facts of equal specificity the last
// one parsed wins. Lines starting with % are comments; lines that do not
// parse are skipped and counted.

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"aerial-refine/utils"
)

// NoRulesError reports a rule source that produced no usable modifier
// rules. Callers treat it as "skip the reasoning stage", not as a failure.
type NoRulesError struct {
	Reason string
}

func (e *NoRulesError) Error() string { return e.Reason }

// pairKey is an unordered class pair; a is always lexically <= b.
type pairKey struct {
	a, b string
}

func makeKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Table is an immutable symmetric lookup from class pairs to modifier
// weights. Built once per run and safe for concurrent readers.
type Table struct {
	weights        map[pairKey]float64
	malformedLines int
}

// Len returns the number of distinct unordered pairs with an effective rule.
func (t *Table) Len() int { return len(t.weights) }

// MalformedLines returns the number of source lines that failed to parse.
func (t *Table) MalformedLines() int { return t.malformedLines }

// Lookup returns the modifier weight for an unordered class pair, or 1.0
// when no rule matches.
func (t *Table) Lookup(classA, classB string) float64 {
	if w, ok := t.weights[makeKey(classA, classB)]; ok {
		return w
	}
	return 1.0
}

// Pairs returns every stored pair key as "a<->b" strings, unsorted.
func (t *Table) Pairs() []string {
	pairs := make([]string, 0, len(t.weights))
	for key := range t.weights {
		pairs = append(pairs, key.a+"<->"+key.b)
	}
	return pairs
}

type pairFact struct {
	a, b   string
	weight float64
}

// Load parses a rule source file into a Table. A missing file or a file
// with zero extractable facts yields a NoRulesError; a path that is a
// directory or otherwise unreadable is a structural failure.
func Load(path string) (*Table, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NoRulesError{Reason: "Rules file not found"}
		}
		return nil, fmt.Errorf("unable to stat rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("rules path %s is a directory", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open rules file %s: %w", path, err)
	}
	defer file.Close()

	var (
		pairFacts     []pairFact
		categoryFacts []pairFact // weight applies between two categories
		members       = map[string][]string{}
		malformed     int
	)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		functor, args, ok := parseFact(line)
		if !ok {
			malformed++
			continue
		}
		switch functor {
		case "confidence_modifier":
			fact, ok := parseWeighted(args)
			if !ok {
				malformed++
				continue
			}
			pairFacts = append(pairFacts, fact)
		case "category":
			if len(args) != 2 || args[0] == "" || args[1] == "" {
				malformed++
				continue
			}
			class, category := args[0], args[1]
			members[category] = append(members[category], class)
		case "category_modifier":
			fact, ok := parseWeighted(args)
			if !ok {
				malformed++
				continue
			}
			categoryFacts = append(categoryFacts, fact)
		default:
			// Foreign functors (e.g. graph facts fed back in) are ignored
			// without counting them as malformed.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading rules file %s: %w", path, err)
	}

	weights := make(map[pairKey]float64)

	// Category-derived defaults first, concrete pair facts after so they
	// override. Within each group, later facts overwrite earlier ones.
	for _, fact := range categoryFacts {
		for _, classA := range members[fact.a] {
			for _, classB := range members[fact.b] {
				storeWeight(weights, classA, classB, fact.weight)
			}
		}
	}
	for _, fact := range pairFacts {
		storeWeight(weights, fact.a, fact.b, fact.weight)
	}

	if malformed > 0 {
		utils.GetLogger().Warn("skipped malformed rule lines",
			"path", path,
			"count", malformed)
	}

	if len(weights) == 0 {
		return nil, &NoRulesError{Reason: "No modifier rules found"}
	}

	return &Table{weights: weights, malformedLines: malformed}, nil
}

// storeWeight records an effective weight; a weight of exactly 1.0 is a
// no-op and is removed rather than stored.
func storeWeight(weights map[pairKey]float64, a, b string, weight float64) {
	key := makeKey(a, b)
	if weight == 1.0 {
		delete(weights, key)
		return
	}
	weights[key] = weight
}

// parseFact splits "functor(arg1, arg2, ...)." into functor and arguments.
func parseFact(line string) (string, []string, bool) {
	line = strings.TrimSuffix(line, ".")
	open := strings.Index(line, "(")
	if open <= 0 || !strings.HasSuffix(line, ")") {
		return "", nil, false
	}
	functor := strings.TrimSpace(line[:open])
	body := line[open+1 : len(line)-1]
	parts := strings.Split(body, ",")
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		arg := strings.TrimSpace(part)
		arg = strings.Trim(arg, "'\"")
		args = append(args, arg)
	}
	return functor, args, true
}

func parseWeighted(args []string) (pairFact, bool) {
	if len(args) != 3 || args[0] == "" || args[1] == "" {
		return pairFact{}, false
	}
	weight, err := strconv.ParseFloat(args[2], 64)
	if err != nil || weight <= 0 {
		return pairFact{}, false
	}
	return pairFact{a: args[0], b: args[1], weight: weight}, true
}
